package ssh

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
)

// scriptMode restricts uploaded scripts to the connecting user.
const scriptMode os.FileMode = 0o700

// UploadScript writes content to remotePath over SFTP with owner-only permissions.
// The mode is applied before any content is written.
func (c *Client) UploadScript(ctx context.Context, remotePath string, content string) error {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	log.Debug().
		Str("address", c.Address()).
		Str("remote_path", remotePath).
		Int("size", len(content)).
		Msg("uploading script")

	dst, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{
			Op:   "upload",
			Host: c.Address(),
			Err:  fmt.Errorf("failed to create remote file: %w", err),
		}
	}
	defer dst.Close()

	if err := sftpClient.Chmod(remotePath, scriptMode); err != nil {
		return &TransportError{
			Op:   "upload",
			Host: c.Address(),
			Err:  fmt.Errorf("failed to set permissions: %w", err),
		}
	}

	written, err := copyWithContext(ctx, dst, strings.NewReader(content))
	if err != nil {
		return &TransportError{
			Op:          "upload",
			Host:        c.Address(),
			Err:         fmt.Errorf("failed to write script: %w", err),
			IsTemporary: true,
		}
	}
	if written != int64(len(content)) {
		return &TransportError{
			Op:   "upload",
			Host: c.Address(),
			Err:  fmt.Errorf("short write: %d of %d bytes", written, len(content)),
		}
	}

	return nil
}

// RemoveFile deletes remotePath. A file that is already gone is not an error.
func (c *Client) RemoveFile(remotePath string) error {
	sftpClient, err := c.newSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	if err := sftpClient.Remove(remotePath); err != nil && !os.IsNotExist(err) {
		return &TransportError{
			Op:   "cleanup",
			Host: c.Address(),
			Err:  fmt.Errorf("failed to remove %s: %w", remotePath, err),
		}
	}
	return nil
}

func (c *Client) newSFTPClient() (*sftp.Client, error) {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp",
			Host:        c.Address(),
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}
	return sftpClient, nil
}

// copyWithContext copies from src to dst, checking ctx between chunks.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		select {
		case <-ctx.Done():
			return written, ctx.Err()
		default:
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[0:nr])
			if nw > 0 {
				written += int64(nw)
			}
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return written, err
		}
	}

	return written, nil
}
