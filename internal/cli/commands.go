package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"naive-pay/client/internal/config"
	"naive-pay/client/internal/device"
	"naive-pay/client/internal/log"
	"naive-pay/client/internal/recovery"
	"naive-pay/client/internal/session"
	"naive-pay/client/internal/storage"
	"naive-pay/client/internal/telemetry/loki"
	"naive-pay/client/internal/telemetry/relay"
)

// NewRootCommand returns the naivepay command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "naivepay",
		Short:         "NaivePay session client",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		loginCommand(),
		recoverDeviceCommand(),
		resetPasswordCommand(),
		fingerprintCommand(),
		relayCommand(),
	)
	return root
}

// ErrReported marks a failure whose message was already printed for the user; the
// caller only sets the exit status.
var ErrReported = errors.New("cli: failure reported")

func reported(err error) error {
	return fmt.Errorf("%w: %w", ErrReported, err)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log.SetOutput(zerolog.ConsoleWriter{Out: os.Stderr})
	log.SetLevel(cfg.LogLevel)
	return cfg, nil
}

// runApp builds an App around fn and tears it down afterwards. ErrAborted from fn is
// treated as a normal exit.
func runApp(cmd *cobra.Command, fn func(ctx context.Context, app *App, p *Prompter, out io.Writer) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	app, err := NewApp(ctx, cfg)
	if err != nil {
		log.Error(ctx).Err(err).Msg("cli: start client")
		return err
	}
	ctx = log.WithContext(ctx, func(c zerolog.Context) zerolog.Context {
		return c.Str("tab", app.TabID())
	})
	log.Info(ctx).Str("version", Version).Str("api", cfg.APIURL).Msg("cli: client started")
	defer func() {
		if cerr := app.Close(context.WithoutCancel(ctx)); cerr != nil {
			log.Warn(ctx).Err(cerr).Msg("cli: close")
		}
	}()

	out := cmd.OutOrStdout()
	err = fn(ctx, app, NewPrompter(cmd.InOrStdin(), out), out)
	if errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func loginCommand() *cobra.Command {
	var identifier string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and open the session shell",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, func(ctx context.Context, app *App, p *Prompter, out io.Writer) error {
				if err := login(ctx, app.Manager, app.Client, p, out, identifier); err != nil {
					return err
				}
				return NewShell(app.Manager, app.Client, p, out, app.Warnings).Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "email or national id")
	return cmd
}

// login prompts for credentials until the session is authenticated. Bad credentials are
// retried while attempts remain; a missing or unknown device goes straight into device
// linking for the same identifier. Failures already shown to the user wrap ErrReported.
func login(ctx context.Context, m *session.Manager, devices recovery.DeviceBackend, p *Prompter, out io.Writer, identifier string) error {
	var err error
	if identifier == "" {
		if identifier, err = p.Line("Correo o RUT: "); err != nil {
			return err
		}
	}
	for {
		password, err := p.Secret("Contraseña: ")
		if err != nil {
			return err
		}
		err = m.Login(ctx, identifier, password)
		if err == nil {
			return requireSession(m, out)
		}
		var le *session.LoginError
		if !errors.As(err, &le) {
			return err
		}
		fmt.Fprintln(out, le.Message)
		if le.Notice != "" {
			fmt.Fprintln(out, le.Notice)
		}
		switch {
		case le.RequiresDeviceLink():
			fmt.Fprintln(out, "Vincula este dispositivo para continuar.")
			return linkDevice(ctx, m, devices, p, out, identifier)
		case le.Code == session.CodeBadCredentials && le.RemainingAttempts > 0:
			continue
		default:
			return reported(le)
		}
	}
}

// requireSession reports a session that ended while it was being installed, such as a
// token that was already expired.
func requireSession(m *session.Manager, out io.Writer) error {
	if m.Snapshot().State == session.StateAuthenticated {
		return nil
	}
	printReason(out, session.ReasonSessionClosed)
	return reported(session.ErrNotAuthenticated)
}

func recoverDeviceCommand() *cobra.Command {
	var identifier string
	cmd := &cobra.Command{
		Use:   "recover-device",
		Short: "Link this device to an account with an emailed code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, func(ctx context.Context, app *App, p *Prompter, out io.Writer) error {
				if err := linkDevice(ctx, app.Manager, app.Client, p, out, identifier); err != nil {
					return err
				}
				return NewShell(app.Manager, app.Client, p, out, app.Warnings).Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&identifier, "identifier", "", "email or national id")
	return cmd
}

// linkDevice runs device recovery to completion; on success the session is authenticated.
func linkDevice(ctx context.Context, m *session.Manager, devices recovery.DeviceBackend, p *Prompter, out io.Writer, identifier string) error {
	flow := recovery.NewDeviceFlow(devices, m, identifier)
	defer flow.Close()

	var err error
	if identifier == "" {
		if identifier, err = p.Line("Correo o RUT: "); err != nil {
			return err
		}
	}
	if err := flow.RequestCode(ctx, identifier); err != nil {
		printRecoveryError(out, err)
		return reported(err)
	}
	fmt.Fprintln(out, "Te enviamos un código de verificación a tu correo. Escribe 'reenviar' para pedir otro.")

	for {
		code, err := p.Line("Código: ")
		if err != nil {
			return err
		}
		if code == "reenviar" {
			if err := flow.RequestCode(ctx, ""); err != nil {
				printRecoveryError(out, err)
			} else {
				fmt.Fprintln(out, "Código reenviado.")
			}
			continue
		}
		err = flow.VerifyCode(ctx, code)
		if err == nil {
			fmt.Fprintln(out, "Dispositivo vinculado.")
			return requireSession(m, out)
		}
		var rerr *recovery.Error
		if !errors.As(err, &rerr) && !errors.Is(err, recovery.ErrInvalidCode) {
			return err
		}
		printRecoveryError(out, err)
	}
}

func resetPasswordCommand() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "reset-password",
		Short: "Reset a forgotten password with an emailed code",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runApp(cmd, func(ctx context.Context, app *App, p *Prompter, out io.Writer) error {
				if err := app.Manager.EnterPublicRoute(ctx); err != nil {
					return err
				}
				return resetPassword(ctx, recovery.NewPasswordFlow(app.Client, app.Emitter), p, out, email)
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	return cmd
}

func resetPassword(ctx context.Context, flow *recovery.PasswordFlow, p *Prompter, out io.Writer, email string) error {
	var err error
	for {
		if email == "" {
			if email, err = p.Line("Correo: "); err != nil {
				return err
			}
		}
		msg, err := flow.RequestCode(ctx, email)
		if err == nil {
			if msg != "" {
				fmt.Fprintln(out, msg)
			}
			break
		}
		printRecoveryError(out, err)
		var rerr *recovery.Error
		if errors.As(err, &rerr) {
			return reported(err)
		}
		email = ""
	}

	for flow.Step() == recovery.PasswordStepCode {
		code, err := p.Line("Código: ")
		if err != nil {
			return err
		}
		if err := flow.VerifyCode(ctx, code); err != nil {
			printRecoveryError(out, err)
		}
	}

	for {
		password, err := p.Secret("Nueva contraseña: ")
		if err != nil {
			return err
		}
		confirm, err := p.Secret("Repite la contraseña: ")
		if err != nil {
			return err
		}
		err = flow.Reset(ctx, password, confirm)
		if err == nil {
			fmt.Fprintln(out, "Contraseña actualizada. Ya puedes iniciar sesión.")
			return nil
		}
		printRecoveryError(out, err)
		var rerr *recovery.Error
		if errors.As(err, &rerr) && rerr.Code != recovery.CodePasswordTooShort {
			return reported(err)
		}
	}
}

func printRecoveryError(out io.Writer, err error) {
	var rerr *recovery.Error
	switch {
	case errors.As(err, &rerr):
		fmt.Fprintln(out, rerr.Message)
	case errors.Is(err, recovery.ErrEmptyIdentifier):
		fmt.Fprintln(out, "Ingresa tu correo o RUT.")
	case errors.Is(err, recovery.ErrInvalidEmail):
		fmt.Fprintln(out, "Correo inválido.")
	case errors.Is(err, recovery.ErrInvalidCode):
		fmt.Fprintln(out, "El código debe tener 6 dígitos.")
	case errors.Is(err, recovery.ErrPasswordTooShort):
		fmt.Fprintf(out, "La contraseña debe tener al menos %d caracteres.\n", recovery.MinPasswordLength)
	case errors.Is(err, recovery.ErrPasswordMismatch):
		fmt.Fprintln(out, "Las contraseñas no coinciden.")
	default:
		fmt.Fprintln(out, err)
	}
}

func fingerprintCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint",
		Short: "Print this device's identity as sent to the backend",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			profile, err := storage.NewFileStore(cfg.ProfileDir())
			if err != nil {
				return err
			}
			id := device.NewProvider(profile, device.WithUserAgent(cfg.DeviceUserAgent)).Info()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Fingerprint: %s\n", id.Fingerprint)
			fmt.Fprintf(out, "OS:          %s\n", id.OS)
			fmt.Fprintf(out, "Browser:     %s\n", id.Browser)
			fmt.Fprintf(out, "Type:        %s\n", id.Type)
			fmt.Fprintf(out, "Language:    %s\n", id.Language)
			fmt.Fprintf(out, "Timezone:    %s\n", id.Timezone)
			return nil
		},
	}
}

func relayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Forward session events from Kafka to Loki",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			sink := loki.NewClient(cfg.LokiURL)
			if sink == nil {
				return errors.New("relay: LOKI_URL must be set")
			}
			r, err := relay.New(cfg.TelemetryKafkaBrokersList(), cfg.TelemetryKafkaTopic, cfg.KafkaGroupID, sink)
			if err != nil {
				log.Error(cmd.Context()).Err(err).Msg("relay: start")
				return err
			}
			log.Info(cmd.Context()).Str("topic", cfg.TelemetryKafkaTopic).Str("group", cfg.KafkaGroupID).Msg("relay: started")
			return r.Run(cmd.Context())
		},
	}
}
