package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	gocontext "context"

	"github.com/getsentry/raven-go"
	librato "github.com/mihasya/go-metrics-librato"
	"github.com/pborman/uuid"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"gopkg.in/urfave/cli.v1"

	vast "github.com/vast-ai/vast-go"
	"github.com/vast-ai/vast-go/config"
	"github.com/vast-ai/vast-go/context"
	vastssh "github.com/vast-ai/vast-go/ssh"
)

var (
	// VersionString is filled in by the build
	VersionString = "?"
)

func main() {
	app := cli.NewApp()
	app.Name = "vast"
	app.Usage = "manage vast.ai instances"
	app.Version = VersionString

	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "url",
			Usage:  "vast.ai API base URL",
			Value:  config.DefaultConfig.BaseURL,
			EnvVar: "VAST_URL",
		},
		cli.StringFlag{
			Name:   "api-key-file",
			Usage:  "path to the stored API key",
			Value:  config.DefaultConfig.APIKeyFile,
			EnvVar: "VAST_API_KEY_FILE",
		},
		cli.StringFlag{
			Name:   "ssh-key-dir",
			Usage:  "directory scanned for the ssh key registered with the account",
			Value:  config.DefaultConfig.SSHKeyDir,
			EnvVar: "VAST_SSH_KEY_DIR",
		},
		cli.StringFlag{
			Name:   "ssh-user",
			Usage:  "remote user for ssh sessions",
			Value:  config.DefaultConfig.SSHUser,
			EnvVar: "VAST_SSH_USER",
		},
		cli.BoolFlag{
			Name:   "debug",
			Usage:  "set log level to debug",
			EnvVar: "VAST_DEBUG",
		},
		cli.StringFlag{
			Name:   "sentry-dsn",
			Usage:  "DSN to report errors to Sentry",
			EnvVar: "VAST_SENTRY_DSN",
		},
		cli.StringFlag{
			Name:   "librato-email",
			EnvVar: "VAST_LIBRATO_EMAIL",
		},
		cli.StringFlag{
			Name:   "librato-token",
			EnvVar: "VAST_LIBRATO_TOKEN",
		},
		cli.StringFlag{
			Name:   "librato-source",
			EnvVar: "VAST_LIBRATO_SOURCE",
		},
	}

	app.Commands = []cli.Command{
		{
			Name:      "login",
			Usage:     "obtain and store an API key",
			ArgsUsage: "<username>",
			Action:    runLogin,
		},
		{
			Name:   "instances",
			Usage:  "list configured instances",
			Action: runInstances,
		},
		{
			Name:      "show",
			Usage:     "show one instance",
			ArgsUsage: "<instance-id>",
			Action:    runShow,
		},
		{
			Name:      "start",
			Usage:     "start a stopped instance",
			ArgsUsage: "<instance-id>",
			Action:    runStart,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "wait", Usage: "poll until the vendor reports the instance running"},
			},
		},
		{
			Name:      "stop",
			Usage:     "stop a running instance",
			ArgsUsage: "<instance-id>",
			Action:    runStop,
			Flags: []cli.Flag{
				cli.BoolFlag{Name: "wait", Usage: "poll until the vendor reports the instance stopped"},
			},
		},
		{
			Name:      "destroy",
			Usage:     "destroy an instance; all remote data is lost",
			ArgsUsage: "<instance-id>",
			Action:    runDestroy,
		},
		{
			Name:      "run",
			Usage:     "run a shell command on an instance over ssh",
			ArgsUsage: "<instance-id> <command>",
			Action:    runCommand,
		},
		{
			Name:      "upload",
			Usage:     "copy a local file to an instance over sftp",
			ArgsUsage: "<instance-id> <local-path> <remote-path>",
			Action:    runUpload,
		},
		{
			Name:   "generate-key",
			Usage:  "generate an RSA key pair for instance access",
			Action: runGenerateKey,
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name", Value: "vastai", Usage: "basename for the key pair"},
			},
		},
	}

	_ = app.Run(os.Args)
}

func setup(c *cli.Context) (gocontext.Context, *vast.Client) {
	logrus.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	if c.GlobalBool("debug") {
		logrus.SetLevel(logrus.DebugLevel)
	}

	if dsn := c.GlobalString("sentry-dsn"); dsn != "" {
		err := raven.SetDSN(dsn)
		if err != nil {
			logrus.WithField("err", err).Error("couldn't set sentry DSN")
		}
	}

	if c.GlobalString("librato-email") != "" && c.GlobalString("librato-token") != "" {
		go librato.Librato(metrics.DefaultRegistry, time.Minute,
			c.GlobalString("librato-email"), c.GlobalString("librato-token"),
			c.GlobalString("librato-source"),
			[]float64{0.50, 0.95, 0.99}, time.Millisecond)
	}

	ctx := context.FromUUID(gocontext.Background(), uuid.NewRandom().String())
	ctx = context.FromComponent(ctx, "cli")

	cfg := config.FromEnviron()
	cfg.BaseURL = c.GlobalString("url")
	cfg.APIKeyFile = c.GlobalString("api-key-file")
	cfg.SSHKeyDir = c.GlobalString("ssh-key-dir")
	cfg.SSHUser = c.GlobalString("ssh-user")

	return ctx, vast.NewClient(cfg)
}

func exitErr(err error) error {
	raven.CaptureErrorAndWait(err, nil)
	return cli.NewExitError(err.Error(), 1)
}

func instanceIDArg(c *cli.Context) (int64, error) {
	if !c.Args().Present() {
		return 0, cli.NewExitError("instance id required", 2)
	}

	id, err := strconv.ParseInt(c.Args().First(), 10, 64)
	if err != nil {
		return 0, cli.NewExitError(fmt.Sprintf("invalid instance id %q", c.Args().First()), 2)
	}

	return id, nil
}

func authenticatedInstance(c *cli.Context) (gocontext.Context, *vast.Instance, error) {
	id, err := instanceIDArg(c)
	if err != nil {
		return nil, nil, err
	}

	ctx, client := setup(c)
	ctx = context.FromInstanceID(ctx, id)

	if err := client.Authenticate(ctx, ""); err != nil {
		return nil, nil, exitErr(err)
	}

	inst, err := client.GetInstance(ctx, id)
	if err != nil {
		return nil, nil, exitErr(err)
	}

	return ctx, inst, nil
}

func runLogin(c *cli.Context) error {
	if !c.Args().Present() {
		return cli.NewExitError("username required", 2)
	}

	ctx, client := setup(c)

	if err := client.Authenticate(ctx, c.Args().First()); err != nil {
		return exitErr(err)
	}

	fmt.Println("logged in")
	return nil
}

func runInstances(c *cli.Context) error {
	ctx, client := setup(c)

	if err := client.Authenticate(ctx, ""); err != nil {
		return exitErr(err)
	}

	instances, err := client.GetInstances(ctx)
	if err != nil {
		return exitErr(err)
	}

	for _, inst := range instances {
		fmt.Println(inst)
	}

	return nil
}

func runShow(c *cli.Context) error {
	_, inst, err := authenticatedInstance(c)
	if err != nil {
		return err
	}

	fmt.Println(inst)
	return nil
}

func runStart(c *cli.Context) error {
	ctx, inst, err := authenticatedInstance(c)
	if err != nil {
		return err
	}

	if err := inst.Start(ctx); err != nil {
		return exitErr(err)
	}

	if c.Bool("wait") {
		if err := inst.WaitUntilRunning(ctx, 0); err != nil {
			return exitErr(err)
		}
	}

	fmt.Printf("starting instance %d\n", inst.ID())
	return nil
}

func runStop(c *cli.Context) error {
	ctx, inst, err := authenticatedInstance(c)
	if err != nil {
		return err
	}

	if err := inst.Stop(ctx); err != nil {
		return exitErr(err)
	}

	if c.Bool("wait") {
		if err := inst.WaitUntilStopped(ctx, 0); err != nil {
			return exitErr(err)
		}
	}

	fmt.Printf("stopping instance %d\n", inst.ID())
	return nil
}

func runDestroy(c *cli.Context) error {
	ctx, inst, err := authenticatedInstance(c)
	if err != nil {
		return err
	}

	if err := inst.Destroy(ctx); err != nil {
		return exitErr(err)
	}

	fmt.Printf("destroying instance %d\n", inst.ID())
	return nil
}

func runCommand(c *cli.Context) error {
	ctx, inst, err := authenticatedInstance(c)
	if err != nil {
		return err
	}

	if len(c.Args()) < 2 {
		return cli.NewExitError("command required", 2)
	}

	exitCode, err := inst.RunCommand(ctx, c.Args()[1], os.Stdout)
	if err != nil {
		return exitErr(err)
	}

	if exitCode != 0 {
		return cli.NewExitError("", int(exitCode))
	}

	return nil
}

func runUpload(c *cli.Context) error {
	ctx, inst, err := authenticatedInstance(c)
	if err != nil {
		return err
	}

	if len(c.Args()) < 3 {
		return cli.NewExitError("local and remote paths required", 2)
	}

	data, err := os.ReadFile(c.Args()[1])
	if err != nil {
		return exitErr(err)
	}

	if err := inst.UploadFile(ctx, c.Args()[2], data); err != nil {
		return exitErr(err)
	}

	fmt.Printf("uploaded %s to instance %d at %s\n", c.Args()[1], inst.ID(), c.Args()[2])
	return nil
}

func runGenerateKey(c *cli.Context) error {
	_, _ = setup(c)

	keyDir := config.ExpandUser(c.GlobalString("ssh-key-dir"))

	privPath, err := vastssh.GenerateKeyPair(keyDir, c.String("name"))
	if err != nil {
		return exitErr(err)
	}

	fmt.Printf("wrote key pair: %s %s.pub\n", privPath, privPath)
	fmt.Println("register the public key with your vast.ai account before connecting")
	return nil
}
