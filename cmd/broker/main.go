package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-credential-broker/broker"
	"github.com/jrsteele09/go-credential-broker/deviceauth"
	"github.com/jrsteele09/go-credential-broker/gateway/awssso"
	"github.com/jrsteele09/go-credential-broker/instances"
	"github.com/jrsteele09/go-credential-broker/internal/config"
	"github.com/jrsteele09/go-credential-broker/internal/datastore"
	"github.com/jrsteele09/go-credential-broker/notify"
	"github.com/jrsteele09/go-credential-broker/plumbing"
	"github.com/jrsteele09/go-credential-broker/plumbing/credsfile"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	configureLogging(c)

	if len(args) == 0 {
		displayAppname(c.GetAppName())
		usage()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := datastore.Open(ctx, c.GetDatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}

	b, err := broker.New(c, broker.Repos{Instances: store.Instances(), Sinks: store.Sinks()}, awssso.New(awsCfg),
		broker.WithNotifier(notify.NewDefaultLogNotifier()),
		broker.WithClipboard(stdoutClipboard{}),
	)
	if err != nil {
		return err
	}

	command, rest := args[0], args[1:]
	switch command {
	case "setup":
		displayAppname(c.GetAppName())
		return setup(ctx, b, rest)
	case "refresh":
		return refresh(ctx, b, rest)
	case "list":
		return list(ctx, b)
	case "accounts":
		return accounts(ctx, b, rest)
	case "favorite":
		return favorite(ctx, b, rest)
	case "connect":
		return connect(ctx, b, rest)
	case "disconnect":
		return disconnect(ctx, b, rest)
	case "sinks":
		return listSinks(ctx, b, rest)
	case "creds":
		return creds(ctx, b, rest)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func configureLogging(c config.Config) {
	level, err := zerolog.ParseLevel(c.GetLogLevel())
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if c.GetEnv() == "DEV" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}

func setup(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("setup", flag.ContinueOnError)
	startURL := fs.String("start-url", "", "IAM Identity Center start URL")
	region := fs.String("region", "", "IAM Identity Center region")
	label := fs.String("label", "", "display label")
	if err := fs.Parse(args); err != nil {
		return err
	}

	session, err := b.Setup(ctx, *startURL, *region, *label)
	if err != nil {
		return err
	}
	printSession(session)

	instanceID, err := b.FinalizeSetup(ctx, session.SessionID)
	if err != nil {
		return err
	}
	fmt.Printf("instance %s ready\n", instanceID)
	return nil
}

func refresh(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("refresh", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "instance id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	session, err := b.RefreshAccessToken(ctx, *instanceID)
	if err != nil {
		return err
	}
	printSession(session)

	if err := b.FinalizeRefreshAccessToken(ctx, session.SessionID); err != nil {
		return err
	}
	fmt.Println("access token refreshed")
	return nil
}

func printSession(session *deviceauth.Session) {
	fmt.Printf("Open %s and confirm the code %s\n", session.VerificationURI, session.UserCode)
	fmt.Printf("Waiting until %s\n", session.Deadline.Local().Format("15:04:05"))
}

func list(ctx context.Context, b *broker.Broker) error {
	data, err := b.ListInstances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range data {
		star := " "
		if inst.IsFavorite {
			star = "*"
		}
		fmt.Printf("%s %s  %-30s %s (%s)\n", star, inst.InstanceID, inst.Label, inst.Region, inst.AccessTokenExpiresIn)
	}
	return nil
}

func accounts(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("accounts", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "instance id")
	force := fs.Bool("force", false, "bypass the cache")
	if err := fs.Parse(args); err != nil {
		return err
	}

	data, err := b.GetInstanceData(ctx, *instanceID, *force)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func favorite(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("favorite", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "instance id")
	unset := fs.Bool("unset", false, "remove the favorite flag")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *unset {
		return b.UnmarkAsFavorite(ctx, *instanceID)
	}
	return b.MarkAsFavorite(ctx, *instanceID)
}

func connect(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "instance id")
	label := fs.String("label", "", "sink label")
	profile := fs.String("profile", "", "credentials file profile name")
	file := fs.String("file", "", "credentials file path (defaults to the shared credentials file)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sinkID, err := b.ConnectSink(ctx, plumbing.ConnectInput{
		SinkCode:     credsfile.SinkCode,
		ProviderCode: instances.ProviderCodeAwsIdc,
		ProviderID:   *instanceID,
		Label:        *label,
		Fields: map[string]string{
			credsfile.FieldProfileName: *profile,
			credsfile.FieldFilePath:    *file,
		},
	})
	if err != nil {
		return err
	}
	fmt.Printf("sink %s connected\n", sinkID)
	return nil
}

func disconnect(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("disconnect", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "instance id")
	sinkID := fs.String("sink", "", "sink id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	return b.DisconnectSink(ctx, credsfile.SinkCode, *sinkID, *instanceID)
}

func listSinks(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("sinks", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "instance id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	list, err := b.ListConnectedSinks(ctx, instances.ProviderCodeAwsIdc, *instanceID)
	if err != nil {
		return err
	}
	return printJSON(list)
}

func creds(ctx context.Context, b *broker.Broker, args []string) error {
	fs := flag.NewFlagSet("creds", flag.ContinueOnError)
	instanceID := fs.String("instance", "", "instance id")
	accountID := fs.String("account", "", "account id")
	roleName := fs.String("role", "", "role name")
	sinkID := fs.String("sink", "", "write to this sink instead of printing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *sinkID != "" {
		return b.SaveRoleCredentials(ctx, *instanceID, *accountID, *roleName, *sinkID)
	}
	return b.CopyRoleCredentials(ctx, *instanceID, *accountID, *roleName)
}

// stdoutClipboard prints instead of copying; the CLI has no clipboard.
type stdoutClipboard struct{}

func (stdoutClipboard) WriteText(_ context.Context, text string) error {
	_, err := fmt.Fprintln(os.Stdout, text)
	return err
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Println(`usage: broker <command> [flags]

commands:
  setup       -start-url URL -region REGION -label LABEL
  refresh     -instance ID
  list
  accounts    -instance ID [-force]
  favorite    -instance ID [-unset]
  connect     -instance ID -label LABEL -profile NAME [-file PATH]
  disconnect  -instance ID -sink ID
  sinks       -instance ID
  creds       -instance ID -account ID -role NAME [-sink ID]`)
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
