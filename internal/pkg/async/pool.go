// Package async runs independent report queries concurrently.
package async

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Task is one named query. Run receives the context of the batch.
type Task struct {
	Name string
	Run  func(ctx context.Context) (any, error)
}

type Result struct {
	Name    string
	Data    any
	Err     error
	Elapsed time.Duration
}

// Results maps task names to their outcome. Tasks that never ran are
// missing.
type Results map[string]Result

// FirstError returns the error of the first task, in task order, that
// failed or did not complete.
func (r Results) FirstError(ctx context.Context, tasks []Task) error {
	for _, task := range tasks {
		result, ok := r[task.Name]
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%s did not complete", task.Name)
		}
		if result.Err != nil {
			return fmt.Errorf("%s: %w", task.Name, result.Err)
		}
	}
	return nil
}

// Pool bounds how many tasks of a batch run at once.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	return &Pool{size: max(size, 1)}
}

// Execute runs tasks and waits for them. When ctx is cancelled no further
// tasks are started and the results collected so far are returned.
func (p *Pool) Execute(ctx context.Context, tasks []Task) Results {
	slots := make(chan struct{}, p.size)
	out := make(chan Result, len(tasks))
	var wg sync.WaitGroup

start:
	for _, task := range tasks {
		select {
		case slots <- struct{}{}:
		case <-ctx.Done():
			break start
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-slots }()
			out <- run(ctx, task)
		}()
	}

	go func() {
		wg.Wait()
		close(out)
	}()

	results := make(Results, len(tasks))
	for {
		select {
		case result, ok := <-out:
			if !ok {
				return results
			}
			results[result.Name] = result
		case <-ctx.Done():
			return results
		}
	}
}

func run(ctx context.Context, task Task) (result Result) {
	started := time.Now()
	result.Name = task.Name
	defer func() {
		if r := recover(); r != nil {
			result.Err = fmt.Errorf("panic: %v", r)
		}
		result.Elapsed = time.Since(started)
	}()
	result.Data, result.Err = task.Run(ctx)
	return result
}
