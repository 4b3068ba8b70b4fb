package kern

import (
	"fmt"
	"slices"

	"github.com/joeycumines/go-rumpkern/hostsync"
)

const maxPID = 30000

// Proc is a process: a collection of LWPs sharing a file table.
type Proc struct {
	k     *Kernel
	fd    *FileTable
	lwps  map[int32]*LWP // guarded by mu
	done  chan struct{}
	mu    hostsync.Mutex
	pid   int32
	ppid  int32
	nlwps int32 // guarded by mu
	// nextLID also counts every LWP ever attached
	nextLID int32 // guarded by mu
	dying   bool  // guarded by mu
	// system procs are never torn down
	system bool
}

func (p *Proc) PID() int32 { return p.pid }

func (p *Proc) PPID() int32 { return p.ppid }

// Files returns the process file table.
func (p *Proc) Files() *FileTable { return p.fd }

// Done is closed once the process has been torn down.
func (p *Proc) Done() <-chan struct{} { return p.done }

// NumLWPs returns the number of live LWPs.
func (p *Proc) NumLWPs() int {
	p.mu.Enter()
	defer p.mu.Exit()
	return int(p.nlwps)
}

// LWPs returns the live LWPs, ordered by LID.
func (p *Proc) LWPs() []*LWP {
	p.mu.Enter()
	lwps := make([]*LWP, 0, len(p.lwps))
	for _, l := range p.lwps {
		lwps = append(lwps, l)
	}
	p.mu.Exit()
	slices.SortFunc(lwps, func(a, b *LWP) int { return int(a.lid) - int(b.lid) })
	return lwps
}

// FindLWP returns the LWP with the given LID, or nil. LWPs pending exit
// are not returned.
func (p *Proc) FindLWP(lid int32) *LWP {
	p.mu.Enter()
	l := p.lwps[lid]
	p.mu.Exit()
	if l == nil || l.exit.Load() {
		return nil
	}
	return l
}

// MarkDying stops new LWPs from being attached. The process is torn down
// when its last LWP is reclaimed.
func (p *Proc) MarkDying() {
	p.mu.Enter()
	p.dying = true
	p.mu.Exit()
}

func (p *Proc) Dying() bool {
	p.mu.Enter()
	defer p.mu.Exit()
	return p.dying
}

func (p *Proc) String() string { return fmt.Sprintf("proc %d", p.pid) }

// attach links l into p, assigning its LID.
func (p *Proc) attach(l *LWP) error {
	p.mu.Enter()
	defer p.mu.Exit()
	if p.dying {
		return fmt.Errorf("%w: %v", ErrProcExiting, p)
	}
	p.nextLID++
	l.lid = p.nextLID
	p.lwps[l.lid] = l
	p.nlwps++
	return nil
}

// detach unlinks l, reporting whether p is now empty and must be freed.
func (p *Proc) detach(l *LWP) bool {
	p.mu.Enter()
	defer p.mu.Exit()
	delete(p.lwps, l.lid)
	p.nlwps--
	if p.nlwps == 0 && !p.system {
		p.dying = true
		return true
	}
	return false
}

// procTable indexes live processes by PID.
type procTable struct {
	procs   map[int32]*Proc
	mu      hostsync.Mutex
	nextPID int32
}

func (t *procTable) get(pid int32) *Proc {
	t.mu.Enter()
	defer t.mu.Exit()
	return t.procs[pid]
}

// insert assigns p a PID. PIDs below first are reserved.
func (t *procTable) insert(p *Proc, first int32) error {
	t.mu.Enter()
	defer t.mu.Exit()
	for range maxPID {
		t.nextPID++
		if t.nextPID > maxPID || t.nextPID < first {
			t.nextPID = first
		}
		if t.procs[t.nextPID] == nil {
			p.pid = t.nextPID
			t.procs[p.pid] = p
			return nil
		}
	}
	return ErrProcTableFull
}

func (t *procTable) remove(p *Proc) {
	t.mu.Enter()
	if t.procs[p.pid] == p {
		delete(t.procs, p.pid)
	}
	t.mu.Exit()
}

func (t *procTable) list() []*Proc {
	t.mu.Enter()
	procs := make([]*Proc, 0, len(t.procs))
	for _, p := range t.procs {
		procs = append(procs, p)
	}
	t.mu.Exit()
	slices.SortFunc(procs, func(a, b *Proc) int { return int(a.pid) - int(b.pid) })
	return procs
}
