// Package glbackend implements backend.Device on OpenGL 4.1 core.
//
// GL buffer objects hold every device-local array. Host-visible buffers
// live in Go memory and are uploaded on copy. Acceleration structures are
// CPU BVHs serialized into their GL backing range, the same encoding the
// soft device uses. Every GL call runs on one locked OS thread owning a
// hidden SDL2 window's context.
package glbackend

import (
	"fmt"
	"runtime"

	"github.com/go-gl/gl/v4.1-core/gl"
	"github.com/veandco/go-sdl2/sdl"
	"go.uber.org/zap"
)

// thread is the locked OS thread owning the SDL window and its GL
// context.
type thread struct {
	window *sdl.Window
	gl     sdl.GLContext

	calls chan func()
	quit  chan struct{}
	exit  chan struct{}
}

// startThread starts the GL thread and creates a hidden window of the
// given size on it.
func startThread(width, height int, log *zap.Logger) (*thread, error) {
	c := &thread{
		calls: make(chan func()),
		quit:  make(chan struct{}),
		exit:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	go c.loop(width, height, log, ready)
	if err := <-ready; err != nil {
		<-c.exit
		return nil, err
	}
	return c, nil
}

func (c *thread) loop(width, height int, log *zap.Logger, ready chan<- error) {
	// GL contexts are bound to the thread that made them current.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.exit)

	if err := c.init(width, height, log); err != nil {
		ready <- err
		return
	}
	ready <- nil

	for {
		select {
		case fn := <-c.calls:
			fn()
		case <-c.quit:
			c.destroy()
			return
		}
	}
}

func (c *thread) init(width, height int, log *zap.Logger) error {
	if err := sdl.Init(sdl.INIT_VIDEO); err != nil {
		return fmt.Errorf("SDL_Init failed: %w", err)
	}

	sdl.GLSetAttribute(sdl.GL_CONTEXT_MAJOR_VERSION, 4)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_MINOR_VERSION, 1)
	sdl.GLSetAttribute(sdl.GL_CONTEXT_PROFILE_MASK, sdl.GL_CONTEXT_PROFILE_CORE)

	var err error
	c.window, err = sdl.CreateWindow("accelpipe",
		sdl.WINDOWPOS_UNDEFINED,
		sdl.WINDOWPOS_UNDEFINED,
		int32(width),
		int32(height),
		sdl.WINDOW_OPENGL|sdl.WINDOW_HIDDEN,
	)
	if err != nil {
		sdl.Quit()
		return fmt.Errorf("SDL_CreateWindow failed: %w", err)
	}

	c.gl, err = c.window.GLCreateContext()
	if err != nil {
		c.window.Destroy()
		sdl.Quit()
		return fmt.Errorf("SDL_GL_CreateContext failed: %w", err)
	}

	if err := gl.Init(); err != nil {
		c.destroy()
		return fmt.Errorf("failed to initialize OpenGL: %w", err)
	}

	log.Info("OpenGL initialized",
		zap.String("version", gl.GoStr(gl.GetString(gl.VERSION))),
		zap.String("renderer", gl.GoStr(gl.GetString(gl.RENDERER))),
	)
	return nil
}

func (c *thread) destroy() {
	if c.gl != nil {
		sdl.GLDeleteContext(c.gl)
		c.gl = nil
	}
	if c.window != nil {
		c.window.Destroy()
		c.window = nil
	}
	sdl.Quit()
}

// do runs fn on the GL thread and waits for it.
func (c *thread) do(fn func() error) error {
	errc := make(chan error, 1)
	select {
	case c.calls <- func() { errc <- fn() }:
		return <-errc
	case <-c.exit:
		return errThreadGone
	}
}

// close stops the GL thread and tears the window down.
func (c *thread) close() {
	select {
	case <-c.exit:
	default:
		close(c.quit)
		<-c.exit
	}
}

// glError returns the pending GL error, if any.
func glError(op string) error {
	if code := gl.GetError(); code != gl.NO_ERROR {
		return fmt.Errorf("%s: GL error 0x%x", op, code)
	}
	return nil
}
