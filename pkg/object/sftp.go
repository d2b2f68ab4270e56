// pkg/object/sftp.go

package object

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

type sftpStore struct {
	sync.Mutex
	host   string
	root   string
	config *ssh.ClientConfig
	client *sftp.Client
}

// newSftp serves "sftp://host:22/path/to/world".
func newSftp(endpoint, user, passwd string) (ObjectStorage, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", endpoint)
	}
	host := u.Host
	if u.Port() == "" {
		host += ":22"
	}
	if user == "" && u.User != nil {
		user = u.User.Username()
	}
	if passwd == "" && u.User != nil {
		passwd, _ = u.User.Password()
	}
	if passwd == "" {
		passwd = os.Getenv("SSH_PASSWORD")
	}
	root := u.Path
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(passwd)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         time.Second * 10,
	}
	return &sftpStore{host: host, root: root, config: config}, nil
}

func (f *sftpStore) String() string {
	return fmt.Sprintf("sftp://%s@%s%s", f.config.User, f.host, f.root)
}

func (f *sftpStore) getClient() (*sftp.Client, error) {
	f.Lock()
	defer f.Unlock()
	if f.client != nil {
		if _, err := f.client.Getwd(); err == nil {
			return f.client, nil
		}
		_ = f.client.Close()
		f.client = nil
	}
	conn, err := ssh.Dial("tcp", f.host, f.config)
	if err != nil {
		return nil, err
	}
	c, err := sftp.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	f.client = c
	return c, nil
}

func (f *sftpStore) path(key string) string {
	return path.Join(f.root, key)
}

func (f *sftpStore) Create() error {
	c, err := f.getClient()
	if err != nil {
		return err
	}
	return c.MkdirAll(f.root)
}

type sftpReader struct {
	io.Reader
	f *sftp.File
}

func (r *sftpReader) Close() error {
	return r.f.Close()
}

func (f *sftpStore) Get(key string, off, limit int64) (io.ReadCloser, error) {
	c, err := f.getClient()
	if err != nil {
		return nil, err
	}
	ff, err := c.Open(f.path(key))
	if os.IsNotExist(err) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, err
	}
	if off > 0 {
		if _, err := ff.Seek(off, io.SeekStart); err != nil {
			_ = ff.Close()
			return nil, err
		}
	}
	if limit < 0 {
		return ff, nil
	}
	return &sftpReader{io.LimitReader(ff, limit), ff}, nil
}

func (f *sftpStore) Put(key string, in io.Reader) error {
	c, err := f.getClient()
	if err != nil {
		return err
	}
	p := f.path(key)
	if err := c.MkdirAll(path.Dir(p)); err != nil {
		return err
	}
	tmp := p + ".tmp"
	ff, err := c.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC)
	if err != nil {
		return err
	}
	if _, err = ff.ReadFrom(in); err != nil {
		_ = ff.Close()
		_ = c.Remove(tmp)
		return err
	}
	if err = ff.Close(); err != nil {
		_ = c.Remove(tmp)
		return err
	}
	return c.PosixRename(tmp, p)
}

func (f *sftpStore) Delete(key string) error {
	c, err := f.getClient()
	if err != nil {
		return err
	}
	err = c.Remove(f.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func (f *sftpStore) List(prefix string) ([]string, error) {
	c, err := f.getClient()
	if err != nil {
		return nil, err
	}
	var keys []string
	walker := c.Walk(f.root)
	for walker.Step() {
		if err := walker.Err(); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		if walker.Stat().IsDir() {
			continue
		}
		key := strings.TrimPrefix(walker.Path(), f.root)
		if strings.HasPrefix(key, prefix) && !strings.HasSuffix(key, ".tmp") {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func init() {
	Register("sftp", newSftp)
}
