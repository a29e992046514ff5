package filesource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// SFTPConfig holds connection settings for the vendor drop.
type SFTPConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	PrivateKey     string // PEM text or a path to a key file
	Passphrase     string
	KnownHostsFile string
	ArchiveDir     string
	MaxFileBytes   int64
	DialTimeout    time.Duration
}

func (c SFTPConfig) addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SFTPSource reads extracts from an SFTP server over a single session.
type SFTPSource struct {
	cfg    SFTPConfig
	logger zerolog.Logger
	now    func() time.Time

	sshClient *ssh.Client
	client    *sftp.Client
}

// NewSFTPSource creates an unconnected source.
func NewSFTPSource(cfg SFTPConfig, logger zerolog.Logger) *SFTPSource {
	if cfg.ArchiveDir == "" {
		cfg.ArchiveDir = "archive"
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &SFTPSource{
		cfg:    cfg,
		logger: logger.With().Str("component", "sftp").Str("host", cfg.Host).Logger(),
		now:    time.Now,
	}
}

// newSFTPSourceWithClient wraps an already established SFTP client.
func newSFTPSourceWithClient(client *sftp.Client, cfg SFTPConfig, logger zerolog.Logger) *SFTPSource {
	s := NewSFTPSource(cfg, logger)
	s.client = client
	return s
}

func (s *SFTPSource) Connect(ctx context.Context) error {
	if s.client != nil {
		return nil
	}
	fail := func(err error) error {
		return &ConnectionError{Host: s.cfg.addr(), Err: err}
	}

	auth, err := s.authMethods()
	if err != nil {
		return fail(err)
	}
	hostKey, err := s.hostKeyCallback()
	if err != nil {
		return fail(err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            s.cfg.Username,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Timeout:         s.cfg.DialTimeout,
	}

	dialer := net.Dialer{Timeout: s.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.cfg.addr())
	if err != nil {
		return fail(fmt.Errorf("dial: %w", err))
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.cfg.addr(), sshCfg)
	if err != nil {
		conn.Close()
		return fail(fmt.Errorf("ssh handshake: %w", err))
	}
	_ = conn.SetDeadline(time.Time{})
	s.sshClient = ssh.NewClient(c, chans, reqs)

	client, err := sftp.NewClient(s.sshClient)
	if err != nil {
		s.sshClient.Close()
		s.sshClient = nil
		return fail(fmt.Errorf("start sftp subsystem: %w", err))
	}
	s.client = client
	s.logger.Info().Str("user", s.cfg.Username).Msg("sftp session established")
	return nil
}

func (s *SFTPSource) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if key := strings.TrimSpace(s.cfg.PrivateKey); key != "" {
		pem := []byte(key)
		if !strings.Contains(key, "-----BEGIN") {
			b, err := os.ReadFile(key)
			if err != nil {
				return nil, fmt.Errorf("read private key: %w", err)
			}
			pem = b
		}
		var signer ssh.Signer
		var err error
		if s.cfg.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(s.cfg.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(pem)
		}
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if s.cfg.Password != "" {
		methods = append(methods, ssh.Password(s.cfg.Password))
	}
	if len(methods) == 0 {
		return nil, errors.New("no private key or password configured")
	}
	return methods, nil
}

func (s *SFTPSource) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if s.cfg.KnownHostsFile == "" {
		s.logger.Warn().Msg("SFTP_KNOWN_HOSTS not set, accepting any host key")
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(s.cfg.KnownHostsFile)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	return cb, nil
}

func (s *SFTPSource) ListEligible(ctx context.Context, dir string) ([]SourceFile, error) {
	if s.client == nil {
		return nil, &ConnectionError{Host: s.cfg.addr(), Err: errors.New("not connected")}
	}
	infos, err := runWithContext(ctx, func() ([]os.FileInfo, error) {
		return s.client.ReadDir(dir)
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}

	now := s.now().UTC()
	var files []SourceFile
	for _, fi := range infos {
		if !fi.Mode().IsRegular() || !Eligible(fi.Name()) {
			continue
		}
		files = append(files, SourceFile{
			Name:         fi.Name(),
			Path:         path.Join(dir, fi.Name()),
			Size:         fi.Size(),
			ModTime:      fi.ModTime(),
			DiscoveredAt: now,
		})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *SFTPSource) Fetch(ctx context.Context, filePath string) (string, error) {
	if s.client == nil {
		return "", &FetchError{Path: filePath, Err: errors.New("not connected")}
	}
	text, err := runWithContext(ctx, func() (string, error) {
		f, err := s.client.Open(filePath)
		if err != nil {
			return "", err
		}
		defer f.Close()
		return readLimited(f, s.cfg.MaxFileBytes)
	})
	if err != nil {
		return "", &FetchError{Path: filePath, Err: err}
	}
	return text, nil
}

func (s *SFTPSource) Archive(ctx context.Context, filePath string) (string, error) {
	destDir := path.Join(path.Dir(filePath), s.cfg.ArchiveDir)
	dest := path.Join(destDir, path.Base(filePath))
	if s.client == nil {
		return "", &ArchiveError{Path: filePath, Dest: dest, Err: errors.New("not connected")}
	}

	final, err := runWithContext(ctx, func() (string, error) {
		if err := s.client.MkdirAll(destDir); err != nil {
			return "", fmt.Errorf("create archive dir: %w", err)
		}
		target := dest
		if _, err := s.client.Stat(target); err == nil {
			target = path.Join(destDir, archiveName(path.Base(filePath), s.now()))
		}
		if err := s.client.Rename(filePath, target); err != nil {
			return "", err
		}
		return target, nil
	})
	if err != nil {
		return "", &ArchiveError{Path: filePath, Dest: dest, Err: err}
	}
	return final, nil
}

func (s *SFTPSource) Close() error {
	var errs []error
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			errs = append(errs, err)
		}
		s.client = nil
	}
	if s.sshClient != nil {
		if err := s.sshClient.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		s.sshClient = nil
	}
	return errors.Join(errs...)
}

func readLimited(r io.Reader, max int64) (string, error) {
	if max <= 0 {
		b, err := io.ReadAll(r)
		return string(b), err
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return "", err
	}
	if int64(len(b)) > max {
		return "", fmt.Errorf("file exceeds %d bytes", max)
	}
	return string(b), nil
}
