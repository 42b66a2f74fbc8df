// Package ssh implements the ssh connections needed to reach rented
// instances, around golang.org/x/crypto/ssh and github.com/pkg/sftp.
package ssh

import (
	"io"
	"os"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
)

type Dialer interface {
	Dial(address, username string, timeout time.Duration) (Connection, error)
}

type Connection interface {
	UploadFile(path string, data []byte) error
	RunCommand(command string, output io.Writer) (uint8, error)
	Close() error
}

type SSHDialer struct {
	authMethods []ssh.AuthMethod
}

// NewDialer creates a dialer that authenticates with the unencrypted private
// key at keyPath.
func NewDialer(keyPath string) (*SSHDialer, error) {
	file, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't read SSH key")
	}

	signer, err := ssh.ParsePrivateKey(file)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't parse SSH key")
	}

	return &SSHDialer{
		authMethods: []ssh.AuthMethod{ssh.PublicKeys(signer)},
	}, nil
}

func (d *SSHDialer) Dial(address, username string, timeout time.Duration) (Connection, error) {
	client, err := ssh.Dial("tcp", address, &ssh.ClientConfig{
		User:    username,
		Auth:    d.authMethods,
		Timeout: timeout,
		// instance host keys change on every rental, so pinning them
		// would break every reconnect
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "couldn't connect to SSH server")
	}

	return &sshConnection{client: client}, nil
}

type sshConnection struct {
	client *ssh.Client
}

// UploadFile writes data to path on the remote host, replacing any existing
// file.
func (c *sshConnection) UploadFile(path string, data []byte) error {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return errors.Wrap(err, "couldn't create SFTP client")
	}
	defer client.Close()

	f, err := client.Create(path)
	if err != nil {
		return errors.Wrap(err, "couldn't create remote file")
	}
	defer f.Close()

	_, err = f.Write(data)
	if err != nil {
		return errors.Wrap(err, "couldn't write remote file")
	}

	return nil
}

func (c *sshConnection) RunCommand(command string, output io.Writer) (uint8, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return 0, errors.Wrap(err, "error creating SSH session")
	}
	defer session.Close()

	err = session.RequestPty("xterm", 40, 80, ssh.TerminalModes{})
	if err != nil {
		return 0, errors.Wrap(err, "error requesting PTY")
	}

	session.Stdout = output
	session.Stderr = output

	err = session.Run(command)

	if err == nil {
		return 0, nil
	}

	switch err := err.(type) {
	case *ssh.ExitError:
		return uint8(err.ExitStatus()), nil
	default:
		return 0, errors.Wrap(err, "error running command")
	}
}

func (c *sshConnection) Close() error {
	return c.client.Close()
}
