// carfigures-admin administers a carfigures server. Reload and analyze
// commands go to the running server over its control socket, record
// commands open the database directly.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/carfigures/carfigures/crypto"
	"github.com/carfigures/carfigures/server"
	"github.com/carfigures/carfigures/storage"
	"github.com/carfigures/carfigures/structs"
	"github.com/spf13/pflag"
	"golang.org/x/term"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options] <command> [args...]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  reload-cache                         Rebuild the model cache\n")
	fmt.Fprintf(os.Stderr, "  reload <extension>                   Load or reload an extension\n")
	fmt.Fprintf(os.Stderr, "  reload-tree                          Republish the command list\n")
	fmt.Fprintf(os.Stderr, "  analyze                              Analyze the database\n")
	fmt.Fprintf(os.Stderr, "  create-admin <username>              Create an admin or reset its password\n")
	fmt.Fprintf(os.Stderr, "  add-car <name> <full name> [rarity]  Add a car\n")
	fmt.Fprintf(os.Stderr, "  add-guild <name> <members>           Add a guild\n")
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	pflag.PrintDefaults()
}

func main() {
	dir := server.DefaultConfig().Dir
	pflag.StringVar(&dir, "dir", dir, "Data directory of the server.")
	socketPath := pflag.String("socket", "", "Path to control socket (default <dir>/control.sock).")
	pflag.Usage = usage
	pflag.Parse()

	args := pflag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	if *socketPath == "" {
		*socketPath = filepath.Join(dir, server.ControlSocket)
	}

	var err error
	switch args[0] {
	case "reload-cache":
		err = control(*socketPath, "RELOAD_CACHE")
	case "reload":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		err = control(*socketPath, "RELOAD "+args[1])
	case "reload-tree":
		err = control(*socketPath, "RELOAD_TREE")
	case "analyze":
		err = control(*socketPath, "ANALYZE")
	case "create-admin":
		if len(args) != 2 {
			usage()
			os.Exit(1)
		}
		err = withStorage(dir, func(ctx context.Context, s *storage.Storage) error {
			return createAdmin(ctx, s, args[1])
		})
	case "add-car":
		if len(args) < 3 || len(args) > 4 {
			usage()
			os.Exit(1)
		}
		err = withStorage(dir, func(ctx context.Context, s *storage.Storage) error {
			return addCar(ctx, s, args[1:])
		})
	case "add-guild":
		if len(args) != 3 {
			usage()
			os.Exit(1)
		}
		err = withStorage(dir, func(ctx context.Context, s *storage.Storage) error {
			return addGuild(ctx, s, args[1], args[2])
		})
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func control(socketPath, command string) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to control socket %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := fmt.Fprintln(conn, command); err != nil {
		return fmt.Errorf("failed to send command: %w", err)
	}
	response, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	response = strings.TrimSpace(response)
	if strings.HasPrefix(response, "OK") {
		fmt.Println(response)
		return nil
	}
	if msg, isErr := strings.CutPrefix(response, "ERROR: "); isErr {
		return fmt.Errorf("%s", msg)
	}
	return fmt.Errorf("unexpected response: %s", response)
}

func withStorage(dir string, f func(context.Context, *storage.Storage) error) error {
	ctx := storage.SetActor(context.Background(), "admin-tool")
	s, err := storage.New(ctx, dir)
	if err != nil {
		return err
	}
	defer s.Close()
	return f(ctx, s)
}

func readPassword() (string, error) {
	if !term.IsTerminal(int(syscall.Stdin)) {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		return strings.TrimRight(line, "\r\n"), err
	}
	fmt.Fprint(os.Stderr, "Password: ")
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	return string(b), err
}

func createAdmin(ctx context.Context, s *storage.Storage, username string) error {
	password, err := readPassword()
	if err != nil {
		return err
	}
	if password == "" {
		return fmt.Errorf("empty password")
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}
	admin := &structs.Admin{Username: username, PasswordHash: hash}
	if err := s.SetAdmin(ctx, admin); err != nil {
		return err
	}
	fmt.Printf("Admin %q (#%d) saved\n", admin.Username, admin.ID)
	return nil
}

func addCar(ctx context.Context, s *storage.Storage, args []string) error {
	car := &structs.Car{Name: args[0], FullName: args[1], Rarity: 1, Enabled: true}
	if len(args) == 3 {
		rarity, err := strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid rarity %q: %w", args[2], err)
		}
		car.Rarity = rarity
	}
	if err := s.CreateCar(ctx, car); err != nil {
		return err
	}
	fmt.Printf("Car %q (#%d) added, run reload-cache to spawn it\n", car.FullName, car.ID)
	return nil
}

func addGuild(ctx context.Context, s *storage.Storage, name, members string) error {
	count, err := strconv.Atoi(members)
	if err != nil {
		return fmt.Errorf("invalid member count %q: %w", members, err)
	}
	guild := &structs.Guild{Name: name, MemberCount: count}
	if err := s.CreateGuild(ctx, guild); err != nil {
		return err
	}
	fmt.Printf("Guild %q (#%d) added\n", guild.Name, guild.ID)
	return nil
}
