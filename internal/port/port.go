package port

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strconv"

	gopsnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// Occupant is a process found listening on a port.
type Occupant struct {
	PID     int
	PGID    int
	Name    string
	Cmdline []string
}

func (o Occupant) String() string {
	return fmt.Sprintf("pid %d (%s)", o.PID, o.Name)
}

// IsFree reports whether nothing is listening on port on any interface.
func IsFree(port int) bool {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// Occupants returns the processes with a listening TCP socket on port. A
// socket owned by another user may be visible without a PID; such entries
// are returned with PID 0.
func Occupants(ctx context.Context, port int) ([]Occupant, error) {
	conns, err := gopsnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("listing tcp sockets: %w", err)
	}

	seen := make(map[int32]bool)
	var out []Occupant
	for _, c := range conns {
		if c.Status != "LISTEN" || int(c.Laddr.Port) != port {
			continue
		}
		if seen[c.Pid] {
			continue
		}
		seen[c.Pid] = true
		out = append(out, describe(ctx, c.Pid))
	}
	return out, nil
}

func describe(ctx context.Context, pid int32) Occupant {
	occ := Occupant{PID: int(pid)}
	if pid <= 0 {
		occ.Name = "unknown"
		return occ
	}
	if pgid, err := unix.Getpgid(int(pid)); err == nil {
		occ.PGID = pgid
	}
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		occ.Name = "unknown"
		return occ
	}
	if name, err := p.NameWithContext(ctx); err == nil {
		occ.Name = name
	}
	if args, err := p.CmdlineSliceWithContext(ctx); err == nil {
		occ.Cmdline = args
	}
	return occ
}

// Expectation describes what a leftover instance of a service looks like.
type Expectation struct {
	// Names are executable base names, e.g. "uvicorn" or "node".
	Names []string
	// PIDs are process IDs recorded by a prior run. Since launched services
	// lead their own process group, an occupant whose group ID is one of
	// these also matches.
	PIDs []int
}

// Matches reports whether the occupant plausibly belongs to the service.
func (e Expectation) Matches(o Occupant) bool {
	if o.PID <= 0 {
		return false
	}
	for _, pid := range e.PIDs {
		if pid <= 0 {
			continue
		}
		if o.PID == pid || o.PGID == pid {
			return true
		}
	}
	for _, want := range e.Names {
		want = filepath.Base(want)
		if want == "" || want == "." {
			continue
		}
		if o.Name == want {
			return true
		}
		if len(o.Cmdline) > 0 && filepath.Base(o.Cmdline[0]) == want {
			return true
		}
		// Interpreted services show up as "python app.py" or "node server.js".
		if len(o.Cmdline) > 1 && filepath.Base(o.Cmdline[1]) == want {
			return true
		}
	}
	return false
}
