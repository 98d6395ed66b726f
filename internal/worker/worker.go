package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/listingiq/listingiq/internal/llm"
	"github.com/listingiq/listingiq/internal/prompt"
)

// Mode choisit l'ordre de traitement des sections d'un job.
type Mode string

const (
	// Sequential traite les sections dans l'ordre fixe de la liste.
	Sequential Mode = "sequential"
	// Concurrent lance toutes les sections et les consomme dans l'ordre d'arrivée.
	Concurrent Mode = "concurrent"
)

var (
	ErrMalformed    = errors.New("section response has unexpected shape")
	ErrSectionPanic = errors.New("section generation panicked")
)

// ParseMode valide un mode lu depuis la configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Sequential, Concurrent:
		return Mode(s), nil
	case "":
		return Concurrent, nil
	}
	return "", fmt.Errorf("unknown section mode %q", s)
}

// Outcome est le résultat d'une section: données du modèle ou payload de repli.
type Outcome struct {
	Index    int
	Section  prompt.Section
	Data     map[string]any
	Fallback bool
	// Err explique le repli quand Fallback est vrai.
	Err      error
	Duration time.Duration
}

// Options règle l'exécution d'un job.
type Options struct {
	Mode Mode
	// Limit borne le nombre de sections en vol en mode Concurrent (0 = pas de limite).
	Limit int
}

// StartFunc est appelé avant chaque section en mode Sequential.
// Une erreur arrête le job avant l'appel au modèle.
type StartFunc func(index int, s prompt.Section) error

// DoneFunc est appelé pour chaque section terminée, une à la fois.
// Une erreur arrête la consommation des sections suivantes.
type DoneFunc func(o Outcome) error

// Run exécute les tâches d'un job et retourne la première erreur des callbacks.
// Les appels au modèle déjà lancés ne sont jamais interrompus; toutes les
// goroutines sont attendues avant le retour.
func Run(ctx context.Context, gen llm.Generator, tasks []prompt.Task, opts Options, onStart StartFunc, onDone DoneFunc) error {
	if onStart == nil {
		onStart = func(int, prompt.Section) error { return nil }
	}
	if onDone == nil {
		onDone = func(Outcome) error { return nil }
	}
	if opts.Mode == Sequential {
		return runSequential(ctx, gen, tasks, onStart, onDone)
	}
	return runConcurrent(ctx, gen, tasks, opts.Limit, onDone)
}

func runSequential(ctx context.Context, gen llm.Generator, tasks []prompt.Task, onStart StartFunc, onDone DoneFunc) error {
	for i, t := range tasks {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onStart(i, t.Section); err != nil {
			return err
		}
		if err := onDone(runTask(ctx, gen, i, t)); err != nil {
			return err
		}
	}
	return nil
}

// runConcurrent lance les tâches via errgroup et consomme les résultats dans
// l'ordre de complétion. Le canal est dimensionné pour ne jamais bloquer un envoi.
func runConcurrent(ctx context.Context, gen llm.Generator, tasks []prompt.Task, limit int, onDone DoneFunc) error {
	stop, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan Outcome, len(tasks))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}

	spawned := make(chan struct{})
	go func() {
		defer close(spawned)
		for i, t := range tasks {
			if stop.Err() != nil {
				return
			}
			g.Go(func() error {
				outcomes <- runTask(ctx, gen, i, t)
				return nil
			})
		}
	}()

	var firstErr error
consume:
	for range tasks {
		select {
		case o := <-outcomes:
			if err := onDone(o); err != nil {
				firstErr = err
				break consume
			}
		case <-ctx.Done():
			firstErr = ctx.Err()
			break consume
		}
	}

	cancel()
	<-spawned
	_ = g.Wait()
	return firstErr
}

func runTask(ctx context.Context, gen llm.Generator, index int, t prompt.Task) (o Outcome) {
	start := time.Now()
	o = Outcome{Index: index, Section: t.Section}
	defer func() {
		if r := recover(); r != nil {
			o.Data = t.Section.Fallback()
			o.Fallback = true
			o.Err = fmt.Errorf("%w: %v", ErrSectionPanic, r)
		}
		o.Duration = time.Since(start)
	}()

	res := gen.Generate(ctx, t.Prompt)
	switch {
	case !res.Ok():
		o.Data, o.Fallback, o.Err = t.Section.Fallback(), true, res.Err()
	case !t.Section.Accepts(res.Data()):
		o.Data, o.Fallback, o.Err = t.Section.Fallback(), true, ErrMalformed
	default:
		o.Data = res.Data()
	}
	return o
}
