package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"naive-pay/client/internal/api"
	"naive-pay/client/internal/device/domain"
	"naive-pay/client/internal/session"
)

const (
	msgSessionClosed = "Tu sesión expiró. Inicia sesión nuevamente."
	msgLogoutOK      = "Sesión cerrada correctamente."
)

// Session is the part of *session.Manager the shell drives.
type Session interface {
	Snapshot() session.Snapshot
	Continue(ctx context.Context) error
	Logout(ctx context.Context) error
	Clear()
	RequireAuthenticated() error
	Subscribe(fn func(session.Event)) (cancel func())
	Run(ctx context.Context) error
}

// DeviceAPI is the device-management part of the API client.
type DeviceAPI interface {
	CurrentDevice(ctx context.Context) (*domain.Device, error)
	DeviceLogs(ctx context.Context) ([]domain.Log, error)
	UnlinkDevice(ctx context.Context) (*api.MessageResponse, error)
}

// Shell is the interactive loop of an authenticated client. It returns when the session
// ends, on "exit" or at end of input.
type Shell struct {
	session  Session
	devices  DeviceAPI
	prompt   *Prompter
	out      io.Writer
	warnings <-chan session.WarningState

	warningShown bool
}

// NewShell returns a shell over s. warnings may be nil.
func NewShell(s Session, devices DeviceAPI, prompt *Prompter, out io.Writer, warnings <-chan session.WarningState) *Shell {
	return &Shell{session: s, devices: devices, prompt: prompt, out: out, warnings: warnings}
}

// Run runs the token watcher next to the command loop.
func (s *Shell) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan session.Event, 16)
	unsubscribe := s.session.Subscribe(func(e session.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.session.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		return s.loop(gctx, events)
	})
	return g.Wait()
}

func (s *Shell) loop(ctx context.Context, events <-chan session.Event) error {
	if s.session.Snapshot().State != session.StateAuthenticated {
		return nil
	}
	fmt.Fprintln(s.out, "Sesión iniciada. Escribe 'help' para ver los comandos.")
	lines := s.prompt.Lines(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case e := <-events:
			if e.State != session.StateAuthenticated {
				s.printEnded(e)
				return nil
			}
		case w := <-s.warnings:
			s.printWarning(w)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := s.exec(ctx, line); quit {
				return nil
			}
		}
	}
}

func (s *Shell) exec(ctx context.Context, line string) (quit bool) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "help":
		s.printHelp()
	case "status":
		s.printStatus()
	case "continue":
		if err := s.session.Continue(ctx); err != nil && !errors.Is(err, session.ErrNotAuthenticated) && !api.IsUnauthorized(err) {
			fmt.Fprintln(s.out, "No se pudo renovar la sesión. Intenta nuevamente.")
		}
	case "logout":
		_ = s.session.Logout(ctx)
	case "device":
		s.printDevice(ctx)
	case "logs":
		s.printLogs(ctx)
	case "unlink":
		if len(fields) < 2 || fields[1] != "confirm" {
			fmt.Fprintln(s.out, "Desvincular cerrará tu sesión en este cliente. Escribe 'unlink confirm' para continuar.")
			return false
		}
		s.unlink(ctx)
	case "exit", "quit":
		return true
	default:
		fmt.Fprintf(s.out, "Comando desconocido: %s. Escribe 'help'.\n", fields[0])
	}
	return false
}

func (s *Shell) printHelp() {
	fmt.Fprint(s.out, `Comandos:
  status           estado de la sesión
  continue         mantener la sesión activa
  device           dispositivo vinculado
  logs             historial del dispositivo
  unlink confirm   desvincular este dispositivo
  logout           cerrar sesión
  exit             salir sin cerrar sesión
`)
}

func (s *Shell) printStatus() {
	snap := s.session.Snapshot()
	fmt.Fprintf(s.out, "Estado: %s\n", snap.State)
	if snap.Role != "" {
		fmt.Fprintf(s.out, "Rol: %s\n", snap.Role)
	}
	if snap.ExpiresAt.IsZero() {
		fmt.Fprintln(s.out, "Expira: desconocido")
	} else {
		left := time.Until(snap.ExpiresAt).Round(time.Second)
		fmt.Fprintf(s.out, "Expira: %s (en %s)\n", snap.ExpiresAt.Local().Format(time.DateTime), left)
	}
	if snap.Warning.Visible {
		fmt.Fprintf(s.out, "Inactividad: cierre en %d segundos\n", snap.Warning.RemainingSeconds)
	}
}

func (s *Shell) printDevice(ctx context.Context) {
	if err := s.session.RequireAuthenticated(); err != nil {
		return
	}
	d, err := s.devices.CurrentDevice(ctx)
	switch {
	case errors.Is(err, api.ErrNoDevice):
		fmt.Fprintln(s.out, "No hay un dispositivo vinculado.")
		return
	case err != nil:
		s.printDeviceError(err, "No se pudo cargar el dispositivo.")
		return
	}
	fmt.Fprintf(s.out, "Dispositivo: %s · %s · %s\n", d.Type, d.OS, d.Browser)
	fmt.Fprintf(s.out, "Vinculado: %s\n", d.RegisteredAt)
	if d.LastLoginAt != nil {
		fmt.Fprintf(s.out, "Último acceso: %s\n", *d.LastLoginAt)
	}
}

func (s *Shell) printLogs(ctx context.Context) {
	if err := s.session.RequireAuthenticated(); err != nil {
		return
	}
	logs, err := s.devices.DeviceLogs(ctx)
	if err != nil {
		s.printDeviceError(err, "No se pudo cargar la actividad del dispositivo.")
		return
	}
	if len(logs) == 0 {
		fmt.Fprintln(s.out, "Sin actividad registrada.")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FECHA\tACCION\tRESULTADO\tDETALLE")
	for _, l := range logs {
		details := ""
		if l.Details != nil {
			details = *l.Details
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.CreatedAt, l.Action, l.Result, details)
	}
	_ = tw.Flush()
}

func (s *Shell) unlink(ctx context.Context) {
	if err := s.session.RequireAuthenticated(); err != nil {
		return
	}
	if _, err := s.devices.UnlinkDevice(ctx); err != nil {
		s.printDeviceError(err, "No se pudo desvincular el dispositivo.")
		return
	}
	fmt.Fprintln(s.out, "Dispositivo desvinculado.")
	s.session.Clear()
}

// printDeviceError stays quiet for 401s: the session is ending and its event follows.
func (s *Shell) printDeviceError(err error, fallback string) {
	if api.IsUnauthorized(err) {
		return
	}
	switch api.CodeOf(err) {
	case session.CodeDeviceRequired:
		fmt.Fprintln(s.out, "Este recurso requiere un dispositivo vinculado.")
	case session.CodeDeviceUnauthorized:
		fmt.Fprintln(s.out, "Este dispositivo no está autorizado para tu cuenta.")
	default:
		fmt.Fprintln(s.out, fallback)
	}
}

func (s *Shell) printEnded(e session.Event) {
	if e.Silent {
		return
	}
	printReason(s.out, e.Reason)
}

func printReason(out io.Writer, reason session.Reason) {
	switch reason {
	case session.ReasonSessionClosed:
		fmt.Fprintln(out, msgSessionClosed)
	case session.ReasonLogoutOK:
		fmt.Fprintln(out, msgLogoutOK)
	}
}

// printWarning prints when the warning appears, every 15 seconds and for the last five.
func (s *Shell) printWarning(w session.WarningState) {
	if !w.Visible {
		s.warningShown = false
		return
	}
	if s.warningShown && w.RemainingSeconds%15 != 0 && w.RemainingSeconds > 5 {
		return
	}
	s.warningShown = true
	fmt.Fprintf(s.out, "Tu sesión se cerrará por inactividad en %d segundos. Escribe 'continue' para mantenerla.\n", w.RemainingSeconds)
}
