package delivery

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/add146/pendaftaran-sub000/internal/broadcast"
	kit "github.com/add146/pendaftaran-sub000/internal/transport"
)

// DryRun validates targets the way ChatDeliverer would and prints what it
// would send instead of sending it.
type DryRun struct {
	mu  sync.Mutex
	out io.Writer
}

func NewDryRun(out io.Writer) *DryRun {
	if out == nil {
		out = io.Discard
	}
	return &DryRun{out: out}
}

func (d *DryRun) Deliver(_ context.Context, t broadcast.Target) broadcast.Result {
	to, err := kit.ParseChatTarget(t.Address)
	if err != nil {
		return broadcast.Failed(err)
	}
	if strings.TrimSpace(t.Message) == "" {
		return broadcast.Failed(ErrEmptyMessage)
	}
	d.mu.Lock()
	fmt.Fprintf(d.out, "-> %s [%s] %q\n", to, t.ID, firstLine(t.Message))
	d.mu.Unlock()
	return broadcast.Delivered()
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	if r := []rune(s); len(r) > 60 {
		return string(r[:60]) + "…"
	}
	return s
}
