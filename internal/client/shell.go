package client

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/chzyer/readline"
)

// Shell is the interactive command interpreter. Verbs are case-insensitive;
// everything else is passed through to the protocol stubs verbatim.
type Shell struct {
	client *Client
	rl     *readline.Instance
	out    io.Writer
}

// NewShell builds a readline-backed shell around c.
func NewShell(c *Client) (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:       "c> ",
		AutoComplete: completer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline instance: %w", err)
	}

	return &Shell{client: c, rl: rl, out: rl.Stdout()}, nil
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("REGISTER"),
	readline.PcItem("UNREGISTER"),
	readline.PcItem("CONNECT"),
	readline.PcItem("DISCONNECT"),
	readline.PcItem("PUBLISH"),
	readline.PcItem("DELETE"),
	readline.PcItem("LIST_USERS"),
	readline.PcItem("LIST_CONTENT"),
	readline.PcItem("GET_FILE"),
	readline.PcItem("GET_MULTIFILE"),
	readline.PcItem("QUIT"),
)

// Run reads commands until QUIT, EOF or an interrupt.
func (sh *Shell) Run() error {
	defer sh.rl.Close()

	for {
		line, err := sh.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}

		if quit := sh.dispatch(strings.Fields(line)); quit {
			return nil
		}
	}
}

// dispatch runs one command line. It reports whether the shell should quit.
func (sh *Shell) dispatch(fields []string) bool {
	if len(fields) == 0 {
		return false
	}

	verb := strings.ToUpper(fields[0])
	args := fields[1:]

	switch verb {
	case "REGISTER":
		if len(args) != 1 {
			sh.syntax("REGISTER <userName>")
			return false
		}
		sh.client.Register(args[0])

	case "UNREGISTER":
		if len(args) != 1 {
			sh.syntax("UNREGISTER <userName>")
			return false
		}
		sh.client.Unregister(args[0])

	case "CONNECT":
		if len(args) != 1 {
			sh.syntax("CONNECT <userName>")
			return false
		}
		sh.client.Connect(args[0])

	case "DISCONNECT":
		if len(args) != 1 {
			sh.syntax("DISCONNECT <userName>")
			return false
		}
		sh.client.Disconnect(args[0])

	case "PUBLISH":
		if len(args) < 2 {
			sh.syntax("PUBLISH <fileName> <description>")
			return false
		}
		sh.client.Publish(args[0], strings.Join(args[1:], " "))

	case "DELETE":
		if len(args) != 1 {
			sh.syntax("DELETE <fileName>")
			return false
		}
		sh.client.Delete(args[0])

	case "LIST_USERS":
		if len(args) != 0 {
			sh.syntax("LIST_USERS")
			return false
		}
		sh.client.ListUsers()

	case "LIST_CONTENT":
		switch len(args) {
		case 0:
			sh.client.ListContent("")
		case 1:
			sh.client.ListContent(args[0])
		default:
			sh.syntax("LIST_CONTENT [userName]")
		}

	case "GET_FILE":
		if len(args) != 3 {
			sh.syntax("GET_FILE <userName> <remote_fileName> <local_fileName>")
			return false
		}
		sh.client.GetFile(args[0], args[1], args[2])

	case "GET_MULTIFILE":
		if len(args) != 2 {
			sh.syntax("GET_MULTIFILE <remote_fileName> <local_fileName>")
			return false
		}
		sh.client.GetMultifile(args[0], args[1])

	case "QUIT":
		if len(args) != 0 {
			sh.syntax("QUIT")
			return false
		}
		return true

	default:
		fmt.Fprintf(sh.out, "Error: command %s not valid.\n", verb)
	}

	return false
}

func (sh *Shell) syntax(usage string) {
	fmt.Fprintf(sh.out, "Syntax error. Usage: %s\n", usage)
}
