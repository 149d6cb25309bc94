package taskgraph

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// StepFunc 是图中单个步骤的执行体。ctx 在整图被取消（某个步骤失败或外部取消）时结束。
type StepFunc func(ctx context.Context) error

// step 图中的一个节点：名字、前置依赖和执行体。
type step struct {
	name string
	deps []string
	fn   StepFunc
}

// Graph 是一个一次性的有向无环任务图执行器：
// 所有前置依赖满足的步骤并发执行，全部成功则 Run 返回 nil；
// 任一步骤失败时取消其余未启动的步骤，等待在飞步骤退出后返回第一个错误。
type Graph struct {
	steps map[string]*step
	order []string // 保留注册顺序，日志输出更稳定
}

// New 创建空的任务图。
func New() *Graph {
	return &Graph{steps: make(map[string]*step)}
}

// Add 注册一个步骤及其前置依赖。重名步骤视为编程错误。
func (g *Graph) Add(name string, fn StepFunc, deps ...string) error {
	if name == "" {
		return fmt.Errorf("taskgraph: step name cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("taskgraph: step %q has nil func", name)
	}
	if _, exists := g.steps[name]; exists {
		return fmt.Errorf("taskgraph: step %q already registered", name)
	}
	g.steps[name] = &step{name: name, deps: deps, fn: fn}
	g.order = append(g.order, name)
	return nil
}

// MustAdd 同 Add，注册失败直接 panic，用于构建静态已知无误的图。
func (g *Graph) MustAdd(name string, fn StepFunc, deps ...string) {
	if err := g.Add(name, fn, deps...); err != nil {
		panic(err)
	}
}

// validate 检查依赖齐全且无环。
func (g *Graph) validate() error {
	for _, s := range g.steps {
		for _, d := range s.deps {
			if _, ok := g.steps[d]; !ok {
				return fmt.Errorf("taskgraph: step %q depends on unknown step %q", s.name, d)
			}
		}
	}
	// 染色法检测环：0 未访问 / 1 在栈上 / 2 已完成
	color := make(map[string]int, len(g.steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case 1:
			return fmt.Errorf("taskgraph: dependency cycle through step %q", name)
		case 2:
			return nil
		}
		color[name] = 1
		for _, d := range g.steps[name].deps {
			if err := visit(d); err != nil {
				return err
			}
		}
		color[name] = 2
		return nil
	}
	for _, name := range g.order {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

type stepResult struct {
	name string
	err  error
}

// Run 执行整图。返回第一个失败步骤的错误（包装了步骤名），全部成功返回 nil。
func (g *Graph) Run(ctx context.Context) error {
	if err := g.validate(); err != nil {
		return err
	}
	if len(g.steps) == 0 {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(map[string]bool, len(g.steps))
	started := make(map[string]bool, len(g.steps))
	results := make(chan stepResult, len(g.steps))
	var wg sync.WaitGroup

	ready := func(s *step) bool {
		if started[s.name] {
			return false
		}
		for _, d := range s.deps {
			if !done[d] {
				return false
			}
		}
		return true
	}

	launch := func(s *step) {
		started[s.name] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			logrus.WithField("step", s.name).Debug("taskgraph: step started")
			results <- stepResult{name: s.name, err: s.fn(runCtx)}
		}()
	}

	// 启动初始就绪集
	for _, name := range g.order {
		if s := g.steps[name]; ready(s) {
			launch(s)
		}
	}

	var firstErr error
	running := len(started)
	for running > 0 {
		res := <-results
		running--
		if res.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("taskgraph: step %q failed: %w", res.name, res.err)
				cancel() // 取消在飞步骤，不再调度后续步骤
			}
			continue
		}
		done[res.name] = true
		if firstErr != nil {
			continue
		}
		for _, name := range g.order {
			if s := g.steps[name]; ready(s) {
				launch(s)
				running++
			}
		}
	}
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	if len(done) != len(g.steps) {
		// 依赖校验通过时不应出现，防御性兜底
		return fmt.Errorf("taskgraph: %d of %d steps never became ready", len(g.steps)-len(done), len(g.steps))
	}
	return nil
}
