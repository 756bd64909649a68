// Command licence-relay runs the mail relay daemon that carries
// export-licence usage data between LITE and HMRC. It also provides
// small maintenance modes for managing credentials and feeding usage
// records into the queue.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nhle/licence-relay/internal/app"
	"github.com/nhle/licence-relay/internal/config"
	"github.com/nhle/licence-relay/internal/credential"
	"github.com/nhle/licence-relay/internal/model"
)

func main() {
	var (
		configPath = flag.String("config", config.DefaultConfigPath(),
			"path to the YAML configuration file")
		debug = flag.Bool("debug", false,
			"enable debug logging")
		setCredential = flag.String("set-credential", "",
			"store a secret in the system keyring (imap-password, smtp-password, callback-secret) and exit")
		deleteCredential = flag.String("delete-credential", "",
			"remove a secret from the system keyring and exit")
		enqueuePath = flag.String("enqueue", "",
			"enqueue usage records from a JSON file (\"-\" for stdin) and exit")
	)
	flag.Parse()

	logger := app.NewLogger(*debug)

	if *setCredential != "" {
		if err := runSetCredential(*setCredential); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}
	if *deleteCredential != "" {
		if err := runDeleteCredential(*deleteCredential); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if *enqueuePath != "" {
		if err := runEnqueue(cfg, *enqueuePath); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	relay, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("starting relay", "error", err)
		os.Exit(1)
	}
	defer relay.Close()

	if err := relay.Run(ctx); err != nil {
		logger.Error("relay failed", "error", err)
		os.Exit(1)
	}
}

// credentialKey maps the command-line name onto the keyring key.
func credentialKey(name string) (string, error) {
	switch name {
	case "imap-password":
		return credential.KeyIMAPPassword, nil
	case "smtp-password":
		return credential.KeySMTPPassword, nil
	case "callback-secret":
		return credential.KeyCallbackSecret, nil
	}
	return "", fmt.Errorf(
		"unknown credential %q (want imap-password, smtp-password or callback-secret)", name)
}

func runSetCredential(name string) error {
	key, err := credentialKey(name)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Enter %s: ", name)
	reader := bufio.NewReader(os.Stdin)
	secret, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return fmt.Errorf("reading secret: %w", err)
	}
	secret = strings.TrimRight(secret, "\r\n")
	if secret == "" {
		return fmt.Errorf("empty secret")
	}

	if err := credential.Set(key, secret); err != nil {
		return err
	}
	fmt.Printf("stored %s\n", name)
	return nil
}

func runDeleteCredential(name string) error {
	key, err := credentialKey(name)
	if err != nil {
		return err
	}
	if err := credential.Delete(key); err != nil {
		return err
	}
	fmt.Printf("removed %s\n", name)
	return nil
}

// usageSubmission is the JSON shape accepted by -enqueue. Dates are
// plain YYYY-MM-DD since only the date part goes on the wire.
type usageSubmission struct {
	Reference   string  `json:"licence_reference"`
	Action      string  `json:"action"`
	Quantity    float64 `json:"quantity"`
	Value       float64 `json:"value"`
	Currency    string  `json:"currency"`
	UsageDate   string  `json:"usage_date"`
	ControlCode string  `json:"control_code"`
}

func runEnqueue(cfg *config.Config, path string) error {
	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("opening %s: %w", path, err)
		}
		defer f.Close()
		in = f
	}

	var submissions []usageSubmission
	if err := json.NewDecoder(in).Decode(&submissions); err != nil {
		return fmt.Errorf("parsing usage records: %w", err)
	}
	if len(submissions) == 0 {
		return fmt.Errorf("no usage records in input")
	}

	records := make([]model.LicenceUsage, 0, len(submissions))
	for i, sub := range submissions {
		if sub.Reference == "" {
			return fmt.Errorf("record %d: licence_reference is required", i+1)
		}
		action := model.Action(sub.Action)
		if !action.Valid() {
			return fmt.Errorf("record %s: unknown action %q", sub.Reference, sub.Action)
		}
		usageDate, err := time.Parse("2006-01-02", sub.UsageDate)
		if err != nil {
			return fmt.Errorf("record %s: parsing usage_date: %w", sub.Reference, err)
		}

		records = append(records, model.LicenceUsage{
			Reference:   sub.Reference,
			Action:      action,
			Quantity:    sub.Quantity,
			Value:       sub.Value,
			Currency:    sub.Currency,
			UsageDate:   usageDate,
			ControlCode: sub.ControlCode,
		})
	}

	st, err := app.OpenStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := st.EnqueueUsage(ctx, records); err != nil {
		return fmt.Errorf("enqueueing records: %w", err)
	}

	fmt.Printf("enqueued %d usage record(s); the daemon will dispatch them on its next cycle\n",
		len(records))
	return nil
}
