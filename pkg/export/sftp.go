package export

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// ErrSFTPAuth marks dial failures caused by rejected credentials, as
// opposed to an unreachable host.
var ErrSFTPAuth = errors.New("export: sftp authentication failed")

// SFTPDropzone implements Dropzone over an SFTP session. One session
// per poll cycle or export; the caller closes it.
type SFTPDropzone struct {
	conn   *ssh.Client
	client *sftp.Client
}

var _ Dropzone = (*SFTPDropzone)(nil)

// DialSFTP opens an SFTP session from the connection config.
func DialSFTP(ctx context.Context, cfg *SFTPConfig) (*SFTPDropzone, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var auth []ssh.AuthMethod
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if cfg.PrivateKeyPEM != "" {
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("export: parse sftp key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if len(auth) == 0 {
		return nil, errors.New("export: sftp config has no credentials")
	}

	hostKey := ssh.InsecureIgnoreHostKey() //nolint:gosec // private-network fallback, see SFTPConfig.HostKey
	if cfg.HostKey != "" {
		pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(cfg.HostKey))
		if err != nil {
			return nil, fmt.Errorf("export: parse sftp host key: %w", err)
		}
		hostKey = ssh.FixedHostKey(pub)
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := fmt.Sprintf("%s:%d", cfg.Host, port)
	conn, err := ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
	})
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s@%s: %v", ErrSFTPAuth, cfg.User, addr, err)
		}
		return nil, fmt.Errorf("export: sftp dial %s: %w", addr, err)
	}
	client, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("export: sftp session: %w", err)
	}
	return &SFTPDropzone{conn: conn, client: client}, nil
}

func (d *SFTPDropzone) WriteFile(ctx context.Context, target string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.client.MkdirAll(path.Dir(target)); err != nil {
		return fmt.Errorf("export: sftp mkdir: %w", err)
	}
	tmp := target + ".tmp"
	f, err := d.client.Create(tmp)
	if err != nil {
		return fmt.Errorf("export: sftp create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = d.client.Remove(tmp)
		return fmt.Errorf("export: sftp write %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		_ = d.client.Remove(tmp)
		return fmt.Errorf("export: sftp close %s: %w", tmp, err)
	}
	// PosixRename overwrites atomically where the server supports the
	// extension; plain Rename would fail on an existing target.
	if err := d.client.PosixRename(tmp, target); err != nil {
		_ = d.client.Remove(tmp)
		return fmt.Errorf("export: sftp rename %s: %w", target, err)
	}
	return nil
}

func (d *SFTPDropzone) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := d.client.ReadDir(dir)
	if err != nil {
		if errors.Is(err, sftp.ErrSSHFxNoSuchFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("export: sftp list %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Mode().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d *SFTPDropzone) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := d.client.Open(p)
	if err != nil {
		return nil, fmt.Errorf("export: sftp open %s: %w", p, err)
	}
	defer func() { _ = f.Close() }()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("export: sftp read %s: %w", p, err)
	}
	return data, nil
}

func (d *SFTPDropzone) Move(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.client.MkdirAll(path.Dir(dst)); err != nil {
		return fmt.Errorf("export: sftp mkdir: %w", err)
	}
	if err := d.client.PosixRename(src, dst); err != nil {
		return fmt.Errorf("export: sftp move %s: %w", src, err)
	}
	return nil
}

func (d *SFTPDropzone) Remove(ctx context.Context, p string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.client.Remove(p); err != nil {
		return fmt.Errorf("export: sftp remove %s: %w", p, err)
	}
	return nil
}

// Close tears down the SFTP session and the underlying connection.
func (d *SFTPDropzone) Close() error {
	sftpErr := d.client.Close()
	sshErr := d.conn.Close()
	if sftpErr != nil {
		return fmt.Errorf("export: sftp close: %w", sftpErr)
	}
	if sshErr != nil {
		return fmt.Errorf("export: ssh close: %w", sshErr)
	}
	return nil
}
