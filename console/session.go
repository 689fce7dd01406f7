package console

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/crypto"
	"github.com/carfigures/carfigures/lang"
	"github.com/carfigures/carfigures/storage"
	"github.com/gliderlabs/ssh"
	"github.com/pkg/errors"
	"golang.org/x/term"
)

type sessionKey int

const (
	ownerKey sessionKey = iota
)

// Authenticator checks console passwords. Usernames that belong to an admin
// must give the admin's password, and owners among them get operator
// commands. Any other username joins as a regular member.
type Authenticator struct {
	console  *Console
	throttle *crypto.Throttle
}

func (c *Console) Authenticator() *Authenticator {
	return &Authenticator{
		console:  c,
		throttle: crypto.NewThrottle(crypto.DefaultThrottleInterval),
	}
}

func (a *Authenticator) PasswordHandler(ctx ssh.Context, password string) bool {
	username := ctx.User()
	admin, err := a.console.store.LoadAdmin(ctx, username)
	if errors.Is(err, os.ErrNotExist) {
		return true
	} else if err != nil {
		log.Printf("loading admin %q: %v", username, err)
		return false
	}
	audit := storage.AuditLogin{
		User:    username,
		Remote:  ctx.RemoteAddr().String(),
		Surface: "console",
	}
	if wait := a.throttle.Wait(username); wait > 0 {
		a.console.store.AuditLog(ctx, "LOGIN_THROTTLED", audit)
		return false
	}
	if !crypto.VerifyPassword(password, admin.PasswordHash) {
		a.throttle.Fail(username)
		a.console.store.AuditLog(ctx, "LOGIN_FAILED", audit)
		return false
	}
	a.throttle.Clear(username)
	a.console.store.AuditLog(ctx, "LOGIN", audit)
	ctx.SetValue(ownerKey, a.console.IsOwner(username))
	return true
}

func isOwner(ctx context.Context) bool {
	owner, _ := ctx.Value(ownerKey).(bool)
	return owner
}

type session struct {
	console *Console
	ctx     context.Context
	term    *term.Terminal
	invoker *Invoker
}

// HandleSession serves one SSH session until it disconnects.
func (c *Console) HandleSession(sess ssh.Session) {
	c.metrics.Sessions.Inc()
	defer c.metrics.Sessions.Dec()

	ctx := storage.SetSessionID(sess.Context(), carfigures.NextUniqueID())
	s := &session{
		console: c,
		ctx:     ctx,
		term:    term.NewTerminal(sess, "> "),
		invoker: &Invoker{
			Name:  sess.User(),
			Owner: isOwner(sess.Context()),
		},
	}
	if err := s.serve(); err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintf(s.term, "InternalServerError: %v\n", err)
		log.Println(err)
		log.Println(carfigures.StackTrace(err))
	}
}

// Serve runs a session over rw. rw is usually an SSH channel.
func (c *Console) Serve(ctx context.Context, invoker *Invoker, rw io.ReadWriter) error {
	s := &session{
		console: c,
		ctx:     storage.SetSessionID(ctx, carfigures.NextUniqueID()),
		term:    term.NewTerminal(rw, "> "),
		invoker: invoker,
	}
	return s.serve()
}

func (s *session) join(channel string) error {
	if err := s.console.hub.Attach(channel, s.term); err != nil {
		return err
	}
	if s.invoker.Channel != "" && s.invoker.Channel != channel {
		s.console.hub.Detach(s.invoker.Channel, s.term)
	}
	s.invoker.Channel = channel
	for _, msg := range s.console.hub.History(channel) {
		s.term.Write(msg)
	}
	return nil
}

func (s *session) complete(line string, pos int, key rune) (string, int, bool) {
	prefix := s.console.appearance.CommandPrefix
	if key != '\t' || pos != len(line) || !strings.HasPrefix(line, prefix) || strings.Contains(line, " ") {
		return "", 0, false
	}
	matches := s.console.tree.Complete(strings.TrimPrefix(line, prefix), s.invoker.Owner)
	if len(matches) != 1 {
		if len(matches) > 1 {
			fmt.Fprintln(s.term, lang.Enumerator{Operator: "or"}.Do(matches...))
		}
		return "", 0, false
	}
	completed := prefix + matches[0] + " "
	return completed, len(completed), true
}

func (s *session) serve() error {
	defer func() {
		if s.invoker.Channel != "" {
			s.console.hub.Detach(s.invoker.Channel, s.term)
		}
	}()
	s.term.AutoCompleteCallback = s.complete
	prefix := s.console.appearance.CommandPrefix

	fmt.Fprintf(s.term, "Welcome to %s, %s!\n", s.console.appearance.BotName, s.invoker.Name)
	fmt.Fprintf(s.term, "Commands start with %q, try %shelp. /join <channel> switches channel.\n", prefix, prefix)
	if channel := s.console.hub.Default(); channel != "" {
		if err := s.join(channel); err != nil {
			return carfigures.WithStack(err)
		}
	}

	for {
		s.term.SetPrompt(fmt.Sprintf("#%s> ", s.invoker.Channel))
		line, err := s.term.ReadLine()
		if err != nil {
			return carfigures.WithStack(err)
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, prefix):
			s.console.Dispatch(s.ctx, s.invoker, strings.TrimPrefix(line, prefix), s.term)
		case line == "/quit":
			return nil
		case line == "/channels":
			fmt.Fprintln(s.term, lang.Enumerator{Pattern: "#%s"}.Do(s.console.hub.Channels()...))
		case strings.HasPrefix(line, "/join"):
			channel := strings.TrimPrefix(strings.TrimSpace(strings.TrimPrefix(line, "/join")), "#")
			if err := s.join(channel); errors.Is(err, ErrNoSuchChannel) {
				fmt.Fprintf(s.term, "No such channel: %q\n", channel)
			} else if err != nil {
				return carfigures.WithStack(err)
			}
		case s.invoker.Channel == "":
			fmt.Fprintln(s.term, "Join a channel first.")
		default:
			if err := s.console.hub.Say(s.invoker.Channel, s.invoker.Name, line); err != nil {
				return carfigures.WithStack(err)
			}
		}
	}
}
