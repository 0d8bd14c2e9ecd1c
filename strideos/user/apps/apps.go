// Package apps holds the built-in user programs and the ELF images the
// kernel spawns them from.
package apps

import (
	"debug/elf"
	"fmt"

	"stride/strideos/kernel/stride"
	"stride/strideos/loader"
	"stride/strideos/user"
)

// App is one built-in program.
type App struct {
	Name  string
	Entry uint64
	New   func() user.Program
}

// Child is an app started by init.
type Child struct {
	Name     string
	Priority int64
}

// Config parameterizes the built-in apps.
type Config struct {
	// InitChildren are spawned by init, in order.
	InitChildren []Child

	// StrideRunMillis is how long each prioN workload keeps counting.
	StrideRunMillis uint64
}

// StridePriorities are the priorities of the prioN workloads.
var StridePriorities = []int64{5, 6, 7, 8, 9, 10}

// DefaultConfig starts the smoke tests followed by the stride workloads.
func DefaultConfig() Config {
	children := []Child{
		{Name: "hello", Priority: stride.DefaultPriority},
		{Name: "taskinfo", Priority: stride.DefaultPriority},
		{Name: "sleeper", Priority: stride.DefaultPriority},
		{Name: "spawner", Priority: stride.DefaultPriority},
	}
	for _, p := range StridePriorities {
		children = append(children, Child{Name: StrideName(p), Priority: p})
	}
	return Config{InitChildren: children, StrideRunMillis: 1000}
}

// StrideName is the app name of the workload running at prio.
func StrideName(prio int64) string { return fmt.Sprintf("prio%d", prio) }

const (
	initEntry  = 0x10000
	firstEntry = 0x20000
	entryStep  = 0x10000
)

// Catalog lists every built-in app with a distinct entry point. init comes
// first.
func Catalog(cfg Config) []App {
	apps := []App{
		{Name: "init", New: func() user.Program { return newInit(cfg.InitChildren) }},
		{Name: "hello", New: func() user.Program { return user.ProgramFunc(hello) }},
		{Name: "taskinfo", New: func() user.Program { return &taskInfoCheck{} }},
		{Name: "sleeper", New: func() user.Program { return &sleeper{ms: 50} }},
		{Name: "spawner", New: func() user.Program { return &spawner{} }},
	}
	for _, p := range StridePriorities {
		prio := p
		apps = append(apps, App{
			Name: StrideName(prio),
			New:  func() user.Program { return &strideWorkload{prio: prio, runFor: cfg.StrideRunMillis} },
		})
	}

	apps[0].Entry = initEntry
	for i := 1; i < len(apps); i++ {
		apps[i].Entry = firstEntry + uint64(i-1)*entryStep
	}
	return apps
}

// Image returns the ELF image of app: a text segment at its entry and a
// data segment holding its name.
func Image(app App) []byte {
	text := make([]byte, 64)
	for i := 0; i+4 <= len(text); i += 4 {
		// ecall
		text[i] = 0x73
	}
	return loader.Build(app.Entry,
		loader.Segment{Vaddr: app.Entry, Data: text, Flags: elf.PF_R | elf.PF_X},
		loader.Segment{Vaddr: app.Entry + 0x1000, Data: append([]byte(app.Name), 0), Memsz: 0x100, Flags: elf.PF_R | elf.PF_W},
	)
}

// Binder associates entry points with program factories.
type Binder interface {
	Bind(entry uint64, newProgram func() user.Program) error
}

// Install registers the image of every app in reg and binds its entry point.
func Install(apps []App, reg *loader.Registry, b Binder) error {
	for _, app := range apps {
		if err := reg.Register(app.Name, Image(app)); err != nil {
			return err
		}
		if err := b.Bind(app.Entry, app.New); err != nil {
			return fmt.Errorf("app %s: %w", app.Name, err)
		}
	}
	return nil
}
