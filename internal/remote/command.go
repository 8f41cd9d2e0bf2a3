package remote

import "strings"

// Command is a typed remote command. Each step is an argv list; steps are
// rendered with POSIX quoting and joined with "&&" so a failing step stops
// the sequence. Dir, when set, is entered before the first step.
type Command struct {
	// Label names the command's intent for logs and metrics (e.g. "probe.exists").
	Label string
	Dir   string
	// Sudo runs the whole sequence with elevated privilege.
	Sudo  bool
	Steps [][]string
}

// New returns a single-step command.
func New(argv ...string) Command {
	return Command{Steps: [][]string{argv}}
}

// Then appends a step. The receiver is not modified.
func (c Command) Then(argv ...string) Command {
	steps := make([][]string, 0, len(c.Steps)+1)
	steps = append(steps, c.Steps...)
	c.Steps = append(steps, argv)
	return c
}

func (c Command) In(dir string) Command {
	c.Dir = dir
	return c
}

func (c Command) Privileged() Command {
	c.Sudo = true
	return c
}

func (c Command) Labeled(label string) Command {
	c.Label = label
	return c
}

// Render returns the shell text for the command without any privilege
// wrapper.
func (c Command) Render() string {
	parts := make([]string, 0, len(c.Steps)+1)
	if c.Dir != "" {
		parts = append(parts, "cd "+Quote(c.Dir))
	}
	for _, step := range c.Steps {
		if len(step) == 0 {
			continue
		}
		quoted := make([]string, len(step))
		for i, a := range step {
			quoted[i] = Quote(a)
		}
		parts = append(parts, strings.Join(quoted, " "))
	}
	return strings.Join(parts, " && ")
}

// Shell returns the text handed to the remote shell. Privileged commands
// are wrapped as `<sudo...> sh -c '<rendered>'` so that every step and the
// directory change run with the same rights. An empty sudo prefix runs the
// command as is.
func (c Command) Shell(sudo []string) string {
	rendered := c.Render()
	if !c.Sudo || len(sudo) == 0 {
		return rendered
	}
	prefix := make([]string, len(sudo))
	for i, a := range sudo {
		prefix[i] = Quote(a)
	}
	return strings.Join(prefix, " ") + " sh -c " + Quote(rendered)
}

func (c Command) String() string { return c.Render() }

// Program returns the first word of the first step, or "".
func (c Command) Program() string {
	if len(c.Steps) == 0 || len(c.Steps[0]) == 0 {
		return ""
	}
	return c.Steps[0][0]
}

// Quote escapes s for safe use as a single POSIX shell word.
func Quote(s string) string {
	if s == "" {
		return "''"
	}
	if !needsQuoting(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func needsQuoting(s string) bool {
	const special = " \t\n'\"\\$`!*?[](){}<>|&;~#=%"
	for _, r := range s {
		if strings.ContainsRune(special, r) {
			return true
		}
	}
	return false
}
