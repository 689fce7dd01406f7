package server

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"time"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/extension"
	"github.com/carfigures/carfigures/storage"
	"github.com/pkg/errors"
)

const controlActor = "control"

// serveControl answers one line command per connection on the control
// socket used by bin/admin.
func (s *Server) serveControl(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return nil
		} else if err != nil {
			return carfigures.WithStack(err)
		}
		go s.handleControlConn(conn)
	}
}

func (s *Server) handleControlConn(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(time.Minute))
	line, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		log.Printf("reading control command: %v", err)
		return
	}
	ctx := storage.SetActor(context.Background(), controlActor)
	if _, err := fmt.Fprintln(conn, s.Control(ctx, strings.TrimSpace(line))); err != nil {
		log.Printf("writing control response: %v", err)
	}
}

// Control runs a control command and returns the one line reply, starting
// with "OK" or "ERROR: ".
func (s *Server) Control(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "ERROR: empty command"
	}
	switch fields[0] {
	case "RELOAD_CACHE":
		gen, err := s.console.RefreshCache(ctx)
		if err != nil {
			return controlError(fields[0], err)
		}
		return fmt.Sprintf("OK generation %d with %d records", gen.Number, gen.Len())
	case "RELOAD":
		if len(fields) != 2 {
			return "ERROR: usage: RELOAD <extension>"
		}
		outcome, err := s.console.ReloadExtension(ctx, fields[1])
		if errors.Is(err, extension.ErrExtensionNotFound) {
			return fmt.Sprintf("ERROR: extension %q not found", extension.Normalize(fields[1]))
		} else if err != nil {
			return controlError(fields[0], err)
		}
		return fmt.Sprintf("OK %s %s", extension.Normalize(fields[1]), outcome)
	case "RELOAD_TREE":
		s.console.ReloadTree()
		return "OK"
	case "ANALYZE":
		dur, err := s.console.Analyze(ctx)
		if err != nil {
			return controlError(fields[0], err)
		}
		return fmt.Sprintf("OK analyzed in %dms", dur.Milliseconds())
	default:
		return fmt.Sprintf("ERROR: unknown command %q", fields[0])
	}
}

// controlError logs err and replies without its detail.
func controlError(command string, err error) string {
	log.Printf("control %s: %v", command, err)
	log.Println(carfigures.StackTrace(err))
	return fmt.Sprintf("ERROR: %s failed, see the server log", command)
}
