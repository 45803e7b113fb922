package main

import (
	"bufio"
	"os"
)

// stdioConsole routes libc's fd 0/1/2 traffic to the host process's own
// stdin/stdout, the simplest concrete Console a hosted boot can offer —
// a board's real UART console driver is out of scope (spec §1).
type stdioConsole struct {
	in  *bufio.Reader
	out *bufio.Writer
}

func newStdioConsole() *stdioConsole {
	return &stdioConsole{in: bufio.NewReader(os.Stdin), out: bufio.NewWriter(os.Stdout)}
}

func (c *stdioConsole) ReadByte() (byte, error) { return c.in.ReadByte() }

func (c *stdioConsole) WriteByte(b byte) error {
	if err := c.out.WriteByte(b); err != nil {
		return err
	}
	return c.out.Flush()
}
