package vast

import (
	"fmt"
	"io"
	"time"

	gocontext "context"

	"github.com/bitly/go-simplejson"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/vast-ai/vast-go/context"
	"github.com/vast-ai/vast-go/metrics"
	"github.com/vast-ai/vast-go/ssh"
)

// Instance states as reported by the vendor. The client never enforces
// transitions; it surfaces the vendor's own validation errors verbatim.
const (
	StatusRunning = "running"
	StatusExited  = "exited"
	StatusStopped = "stopped"
)

const defaultWaitPollSleep = 10 * time.Second

// Instance is a read-only snapshot of one vendor JSON record at fetch time.
// Lifecycle actions go back through the owning client's credential; the
// cached snapshot is not updated until Refresh.
type Instance struct {
	client  *Client
	payload *simplejson.Json
}

// ID is the vendor's unique, fetch-stable identifier for this instance.
func (i *Instance) ID() int64 {
	return i.payload.Get("id").MustInt64()
}

// Field returns any raw vendor field by name.
func (i *Instance) Field(name string) *simplejson.Json {
	return i.payload.Get(name)
}

// Fields returns the full raw record as a map.
func (i *Instance) Fields() map[string]interface{} {
	return i.payload.MustMap()
}

// Raw returns the undecoded vendor record.
func (i *Instance) Raw() *simplejson.Json {
	return i.payload
}

func (i *Instance) GPUName() string     { return i.payload.Get("gpu_name").MustString() }
func (i *Instance) NumGPUs() int        { return i.payload.Get("num_gpus").MustInt() }
func (i *Instance) GPURAMMegs() float64 { return i.payload.Get("gpu_ram").MustFloat64() }
func (i *Instance) CPUName() string     { return i.payload.Get("cpu_name").MustString() }
func (i *Instance) CPUCores() int       { return i.payload.Get("cpu_cores").MustInt() }
func (i *Instance) CPURAMMegs() float64 { return i.payload.Get("cpu_ram").MustFloat64() }

func (i *Instance) DiskSpaceGigs() float64 {
	return i.payload.Get("disk_space").MustFloat64()
}

func (i *Instance) DollarsPerHour() float64 {
	return i.payload.Get("dph_total").MustFloat64()
}

func (i *Instance) Reliability() float64 {
	return i.payload.Get("reliability2").MustFloat64()
}

func (i *Instance) InetUp() float64   { return i.payload.Get("inet_up").MustFloat64() }
func (i *Instance) InetDown() float64 { return i.payload.Get("inet_down").MustFloat64() }
func (i *Instance) SSHHost() string   { return i.payload.Get("ssh_host").MustString() }
func (i *Instance) SSHPort() int      { return i.payload.Get("ssh_port").MustInt() }
func (i *Instance) Label() string     { return i.payload.Get("label").MustString() }
func (i *Instance) ImageUUID() string { return i.payload.Get("image_uuid").MustString() }
func (i *Instance) StatusMsg() string { return i.payload.Get("status_msg").MustString() }

// ActualStatus is the state the vendor last observed for the instance.
func (i *Instance) ActualStatus() string {
	return i.payload.Get("actual_status").MustString()
}

// IntendedStatus is the state the vendor is driving the instance toward.
func (i *Instance) IntendedStatus() string {
	return i.payload.Get("intended_status").MustString()
}

// Refresh re-fetches the instance and replaces the snapshot in place.
func (i *Instance) Refresh(ctx gocontext.Context) error {
	inst, err := i.client.GetInstance(ctx, i.ID())
	if err != nil {
		return err
	}

	i.payload = inst.payload
	return nil
}

// Start asks the vendor to transition the instance to running. The call is
// fire-and-forget: the local snapshot keeps its old status until Refresh,
// and a vendor rejection (e.g. already running) surfaces as *RequestError.
func (i *Instance) Start(ctx gocontext.Context) error {
	return i.setState(ctx, StatusRunning)
}

// Stop asks the vendor to transition the instance to stopped. Same caveats
// as Start.
func (i *Instance) Stop(ctx gocontext.Context) error {
	return i.setState(ctx, StatusStopped)
}

func (i *Instance) setState(ctx gocontext.Context, state string) error {
	logger := context.LoggerFromContext(ctx).WithField("self", "instance")

	_, err := i.client.do(ctx, "PUT", instancePathTemplate,
		map[string]interface{}{"instance_id": i.ID()}, nil,
		map[string]string{"state": state})
	if err != nil {
		return err
	}

	logger.WithField("instance_id", i.ID()).WithField("state", state).Info("requested state change")
	return nil
}

// Destroy deletes the instance on the vendor side. Irreversible; no local
// confirmation is performed.
func (i *Instance) Destroy(ctx gocontext.Context) error {
	logger := context.LoggerFromContext(ctx).WithField("self", "instance")

	_, err := i.client.do(ctx, "DELETE", instancePathTemplate,
		map[string]interface{}{"instance_id": i.ID()}, nil, nil)
	if err != nil {
		return err
	}

	logger.WithField("instance_id", i.ID()).Info("destroying instance")
	return nil
}

// RunCommand resolves the account's private key, opens one ssh session to
// the instance and runs cmd, streaming combined stdout/stderr to output.
// It returns the remote exit code. One blocking round trip, no timeout
// beyond the configured dial timeout, no retry.
func (i *Instance) RunCommand(ctx gocontext.Context, cmd string, output io.Writer) (uint8, error) {
	conn, err := i.sshConnect(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	started := time.Now()
	exitCode, err := conn.RunCommand(cmd, output)
	metrics.TimeSince("vast.ssh.command", started)

	return exitCode, err
}

// UploadFile writes data to path on the instance over sftp, replacing any
// existing remote file. Same key resolution and connection semantics as
// RunCommand.
func (i *Instance) UploadFile(ctx gocontext.Context, path string, data []byte) error {
	conn, err := i.sshConnect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	started := time.Now()
	err = conn.UploadFile(path, data)
	metrics.TimeSince("vast.ssh.upload", started)

	return err
}

func (i *Instance) sshConnect(ctx gocontext.Context) (ssh.Connection, error) {
	logger := context.LoggerFromContext(ctx).WithField("self", "instance")

	keyFile, err := i.client.GetSSHKeyFile()
	if err != nil {
		return nil, err
	}

	dialer, err := i.client.newDialer(keyFile)
	if err != nil {
		return nil, err
	}

	addr := fmt.Sprintf("%s:%d", i.SSHHost(), i.SSHPort())
	logger.WithField("addr", addr).Debug("connecting")

	conn, err := dialer.Dial(addr, i.client.cfg.SSHUser, i.client.cfg.SSHDialTimeout)
	if err != nil {
		metrics.Mark("vast.ssh.dial.error")
		return nil, &SSHConnectionError{Addr: addr, Err: err}
	}

	return conn, nil
}

// SSHCommandLine renders the equivalent interactive ssh invocation for this
// instance.
func (i *Instance) SSHCommandLine() (string, error) {
	keyFile, err := i.client.GetSSHKeyFile()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("ssh %s@%s -p %d -i %s",
		i.client.cfg.SSHUser, i.SSHHost(), i.SSHPort(), keyFile), nil
}

// WaitFor polls Refresh until the vendor reports one of the wanted states.
// Start/Stop/Destroy themselves stay fire-and-forget; this is the opt-in
// confirmation path.
func (i *Instance) WaitFor(ctx gocontext.Context, states []string, pollSleep time.Duration) error {
	if pollSleep <= 0 {
		pollSleep = defaultWaitPollSleep
	}

	for {
		if err := i.Refresh(ctx); err != nil {
			return err
		}

		for _, state := range states {
			if i.ActualStatus() == state {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollSleep):
		}
	}
}

// WaitUntilRunning blocks until the vendor reports the instance running.
func (i *Instance) WaitUntilRunning(ctx gocontext.Context, pollSleep time.Duration) error {
	return i.WaitFor(ctx, []string{StatusRunning}, pollSleep)
}

// WaitUntilStopped blocks until the vendor reports the instance stopped.
func (i *Instance) WaitUntilStopped(ctx gocontext.Context, pollSleep time.Duration) error {
	return i.WaitFor(ctx, []string{StatusExited, StatusStopped}, pollSleep)
}

// WaitUntilDestroyed blocks until the vendor no longer knows the id.
func (i *Instance) WaitUntilDestroyed(ctx gocontext.Context, pollSleep time.Duration) error {
	if pollSleep <= 0 {
		pollSleep = defaultWaitPollSleep
	}

	for {
		err := i.Refresh(ctx)
		if err != nil {
			if _, ok := errors.Cause(err).(*InstanceNotFoundError); ok {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollSleep):
		}
	}
}

// String renders the one-line human-readable summary. Purely cosmetic.
func (i *Instance) String() string {
	summary := fmt.Sprintf("%d: %-9s $%.4f/hr %s:%d  %3.1f↑ %3.1f↓  R:%.3f\n"+
		"\t%dx %s %s, %d cores %s, ram %s, disk %s",
		i.ID(), i.ActualStatus(), i.DollarsPerHour(), i.SSHHost(), i.SSHPort(),
		i.InetUp(), i.InetDown(), i.Reliability(),
		i.NumGPUs(), megsToHuman(i.GPURAMMegs()), i.GPUName(),
		i.CPUCores(), i.CPUName(),
		megsToHuman(i.CPURAMMegs()), humanize.IBytes(uint64(i.DiskSpaceGigs()*1024*1024*1024)))

	if msg := i.StatusMsg(); msg != "" {
		summary += "\n\t" + msg
	}

	return summary
}

func megsToHuman(megs float64) string {
	return humanize.IBytes(uint64(megs * 1024 * 1024))
}
