package store

import (
	"strings"
)

// Command is a single wire command: a name followed by binary-safe args.
type Command struct {
	// Name is the command name (e.g. "DEL").
	Name string

	// Args are the command arguments in order.
	Args [][]byte

	// Err marks a command that failed before it could be sent (for
	// example an unparseable import line). Exec implementations must not
	// send such commands and must report Err as the command's result.
	Err error
}

// NewCommand builds a Command from string arguments.
func NewCommand(name string, args ...string) Command {
	b := make([][]byte, len(args))
	for i, a := range args {
		b[i] = []byte(a)
	}
	return Command{Name: name, Args: b}
}

// FailedCommand returns a placeholder command that reports err as its result.
func FailedCommand(err error) Command {
	return Command{Err: err}
}

// Key returns the first argument, which is the key for every command the
// bulk runners produce. It returns an empty string for commands without args.
func (c Command) Key() string {
	if len(c.Args) == 0 {
		return ""
	}
	return string(c.Args[0])
}

// Interfaces returns the name and args as a go-redis style argument list.
func (c Command) Interfaces() []interface{} {
	out := make([]interface{}, 0, len(c.Args)+1)
	out = append(out, c.Name)
	for _, a := range c.Args {
		out = append(out, a)
	}
	return out
}

// String renders the command for logs and reports.
func (c Command) String() string {
	if c.Err != nil {
		return "<invalid: " + c.Err.Error() + ">"
	}
	var b strings.Builder
	b.WriteString(c.Name)
	for _, a := range c.Args {
		b.WriteByte(' ')
		b.Write(a)
	}
	return b.String()
}

// Result is the outcome of one pipelined command.
type Result struct {
	// Reply is the decoded server reply. Nil when Err is set.
	Reply interface{}

	// Err is the per-command reply error, if any.
	Err error
}

// OK reports whether the command succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}
