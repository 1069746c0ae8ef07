package dispatchkit

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dispatchkit/dispatchkit/core"
	"github.com/dispatchkit/dispatchkit/types"
)

type serviceState int32

const (
	serviceStopped serviceState = iota
	serviceStarting
	serviceRunning
	serviceStopping
)

// Service drives the assembled components through an ordered start,
// blocks until a shutdown signal or context cancellation, and stops
// them in reverse order within a timeout.
type Service struct {
	ctx             context.Context
	cancel          context.CancelFunc
	container       *core.Container
	done            chan struct{}
	wg              sync.WaitGroup
	state           atomic.Value
	shutdownTimeout time.Duration
	startTimeout    time.Duration
}

func newService(ctx context.Context, cancel context.CancelFunc, container *core.Container) *Service {
	service := &Service{
		ctx:             ctx,
		cancel:          cancel,
		container:       container,
		done:            make(chan struct{}),
		shutdownTimeout: 30 * time.Second,
		startTimeout:    60 * time.Second,
	}

	service.state.Store(serviceStopped)
	return service
}

// Start runs the service until shutdown. It returns after all
// components have stopped.
func (s *Service) Start() error {
	if !s.transitionState(serviceStopped, serviceStarting) {
		core.Logger().Warn("Service is already running")
		return types.ErrServerAlreadyRunning
	}

	var runErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				buf := make([]byte, 4096)
				n := runtime.Stack(buf, false)
				runErr = types.NewErrorf("service panic: %v", r)
				core.Logger().Error("Service run panic", zap.String("stack", string(buf[:n])))
				s.setState(serviceStopped)
			}
		}()

		runErr = s.run()
	}()

	return runErr
}

func (s *Service) run() error {
	core.Logger().Info("Starting service")

	ctx, cancel := context.WithTimeout(s.ctx, s.startTimeout)
	defer cancel()

	if err := s.startComponents(ctx); err != nil {
		s.setState(serviceStopped)
		return types.WrapError(err, "failed to start components")
	}

	s.setState(serviceRunning)
	s.setupSignalHandling()

	s.wg.Add(1)
	go s.contextMonitor()

	core.Logger().Info("Service started successfully")

	<-s.done

	if err := s.stopComponents(); err != nil {
		core.Logger().Error("Error during service shutdown", zap.Error(err))
	}

	s.wg.Wait()
	s.setState(serviceStopped)

	core.Logger().Info("Service stopped gracefully")
	return nil
}

func (s *Service) Stop() error {
	if !s.transitionState(serviceRunning, serviceStopping) {
		core.Logger().Warn("Service is not running")
		return types.ErrServiceIsNotRunning
	}

	core.Logger().Info("Stopping service...")
	s.cancel()

	return nil
}

func (s *Service) Done() <-chan struct{} {
	return s.done
}

func (s *Service) Context() context.Context {
	return s.ctx
}

func (s *Service) IsRunning() bool {
	return s.getState() == serviceRunning
}

func (s *Service) getState() serviceState {
	return s.state.Load().(serviceState)
}

func (s *Service) setState(newState serviceState) bool {
	currentState := s.getState()
	return s.state.CompareAndSwap(currentState, newState)
}

func (s *Service) transitionState(from, to serviceState) bool {
	return s.state.CompareAndSwap(from, to)
}

func (s *Service) startComponents(ctx context.Context) error {
	cfg := core.Config().GetConfig()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		if ptr := s.container.Logger.Load(); ptr != nil {
			if err := (*ptr).Start(); err != nil {
				return types.WrapError(err, "failed to start logger")
			}
		}
	}

	if cfg.Health != nil && cfg.Health.Enabled {
		if ptr := s.container.Health.Load(); ptr != nil {
			if err := (*ptr).Start(); err != nil {
				core.Logger().Error("Failed to start health manager", zap.Error(err))
			}
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Metrics.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						core.Logger().Error("Failed to start metrics manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if cfg.Cache != nil && cfg.Cache.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.Cache.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						core.Logger().Error("Failed to start cache manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if cfg.Server != nil && cfg.Server.TLS != nil && cfg.Server.TLS.Enabled {
		g.Go(func() error {
			select {
			case <-gCtx.Done():
				return gCtx.Err()
			default:
				if ptr := s.container.TLSManager.Load(); ptr != nil {
					if err := (*ptr).Start(); err != nil {
						core.Logger().Error("Failed to start tls manager", zap.Error(err))
					}
				}
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-ctx.Done():
			return types.NewErrorf("component startup timeout: %v", ctx.Err())
		default:
			return err
		}
	}

	if ptr := s.container.Server.Load(); ptr != nil {
		if err := (*ptr).Start(); err != nil {
			return types.WrapError(err, "failed to start HTTP server")
		}
	}

	core.Logger().Info("All components started successfully")
	return nil
}

func (s *Service) stopComponents() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var errs []error

	core.Logger().Info("Stopping service components...")

	if ptr := s.container.Server.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			core.Logger().Error("Failed to stop HTTP server", zap.Error(err))
			errs = append(errs, err)
		}
	}

	g, gCtx := errgroup.WithContext(ctx)

	if ptr := s.container.TLSManager.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			if err := manager.Stop(); err != nil {
				core.Logger().Error("Failed to stop TLS manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if ptr := s.container.Cache.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			if err := manager.Stop(); err != nil {
				core.Logger().Error("Failed to stop cache manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if ptr := s.container.Metrics.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			if err := manager.Stop(); err != nil {
				core.Logger().Error("Failed to stop metrics manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if ptr := s.container.Health.Load(); ptr != nil {
		manager := *ptr
		g.Go(func() error {
			if err := manager.Stop(); err != nil {
				core.Logger().Error("Failed to stop health manager", zap.Error(err))
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		select {
		case <-gCtx.Done():
			core.Logger().Warn("Component shutdown timeout, some components may not have stopped gracefully")
		default:
			errs = append(errs, err)
		}
	}

	if ptr := s.container.Logger.Load(); ptr != nil {
		if err := (*ptr).Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return types.NewErrorf("errors during shutdown: %v", errs)
	}

	core.Logger().Info("All components stopped successfully")
	return nil
}

func (s *Service) setupSignalHandling() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		select {
		case sig := <-sigChan:
			core.Logger().Info("Received shutdown signal", zap.String("signal", sig.String()))
			if s.transitionState(serviceRunning, serviceStopping) {
				s.cancel()
			}

		case <-s.ctx.Done():
			core.Logger().Info("Service context cancelled")
		}

		signal.Stop(sigChan)
		close(sigChan)
	}()
}

func (s *Service) contextMonitor() {
	defer s.wg.Done()
	defer close(s.done)

	<-s.ctx.Done()

	switch err := s.ctx.Err(); {
	case types.IsError(err, context.Canceled):
		core.Logger().Info("Service shutdown: context cancelled")
	case types.IsError(err, context.DeadlineExceeded):
		core.Logger().Warn("Service shutdown: context deadline exceeded")
	default:
		core.Logger().Info("Service shutdown: context done")
	}
}
