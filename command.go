package fleet

// Command is an immutable description of a single command invocation,
// built incrementally via CommandBuilder and consumed by a Remote Executor.
// It never itself spawns a process; that decision (local, in-process vs.
// over SSH) belongs to the Executor, based on the target Host.
type Command struct {
	Program string
	Args    []string
	Elevate bool
}

// CommandBuilder constructs a Command fluently. The zero value is not
// usable; start from NewCommand.
//
// Modeled on the exec.Command construction style used throughout this
// repository's build tooling (argv assembled incrementally, privilege
// escalation applied as a final wrapping step rather than threaded through
// every call site).
type CommandBuilder struct {
	program string
	args    []string
	elevate bool
}

// NewCommand starts building a Command that runs program.
func NewCommand(program string) *CommandBuilder {
	return &CommandBuilder{program: program}
}

// Arg appends a single positional argument.
func (b *CommandBuilder) Arg(a string) *CommandBuilder {
	b.args = append(b.args, a)
	return b
}

// Args appends multiple positional arguments.
func (b *CommandBuilder) Args(a ...string) *CommandBuilder {
	b.args = append(b.args, a...)
	return b
}

// ComparableArg appends a flag followed by its value, e.g.
// ComparableArg("--out-link", path) → "--out-link", path.
func (b *CommandBuilder) ComparableArg(flag, value string) *CommandBuilder {
	b.args = append(b.args, flag, value)
	return b
}

// Sudo marks the command for privilege escalation. The Executor decides how
// that is actually carried out (locally: prefixing the argv with "sudo -n";
// over SSH: prefixing the remote command line with "sudo -n").
func (b *CommandBuilder) Sudo() *CommandBuilder {
	b.elevate = true
	return b
}

// Build finalizes the command. The builder must not be reused afterwards.
func (b *CommandBuilder) Build() Command {
	return Command{
		Program: b.program,
		Args:    append([]string(nil), b.args...),
		Elevate: b.elevate,
	}
}
