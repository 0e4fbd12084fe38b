package measure

import (
	"bufio"
	"context"
	"fmt"
	"io"
)

// Pauser blocks between averages until the operator lets the take go on.
type Pauser interface {
	Pause(ctx context.Context, left int) error
}

// PromptPauser prints a prompt to Out and waits for a line on In.
type PromptPauser struct {
	In  io.Reader
	Out io.Writer

	scanner *bufio.Scanner
}

// Pause waits for Enter. There is no timeout.
func (p *PromptPauser) Pause(ctx context.Context, left int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.scanner == nil {
		p.scanner = bufio.NewScanner(p.In)
	}
	fmt.Fprintf(p.Out, "Paused before next average. %d left. Press Enter to continue...", left)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return fmt.Errorf("waiting for operator: %w", err)
		}
		return fmt.Errorf("waiting for operator: %w", io.ErrUnexpectedEOF)
	}
	return nil
}
