package discovery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/django-haystack/pysolr/utils"
	"github.com/go-zookeeper/zk"
	log "github.com/sirupsen/logrus"
)

var zkLogger = log.WithField("tag", "pysolr.discovery.zk")

// ZKCoordinator is the Coordinator over a ZooKeeper session
// url: https://github.com/go-zookeeper/zk
type ZKCoordinator struct {
	conn   *zk.Conn
	chroot string
	done   chan struct{}
	once   sync.Once
}

// DialZK returns a Dialer opening ZooKeeper sessions with config.
// The returned coordinator is usable once the session is established.
func DialZK(config *Config) Dialer {
	config = SetDefaultConfig(config)
	return func(ctx context.Context) (Coordinator, error) {
		if len(config.Servers) == 0 {
			return nil, errors.New("no zookeeper servers configured")
		}
		conn, events, err := zk.Connect(config.Servers, config.SessionTimeout, zk.WithLogger(zkLogger))
		if err != nil {
			return nil, err
		}
		c := &ZKCoordinator{conn: conn, chroot: config.Chroot, done: make(chan struct{})}
		if err := c.waitSession(ctx, events); err != nil {
			conn.Close()
			return nil, err
		}
		go c.drain(events)
		return c, nil
	}
}

func (c *ZKCoordinator) waitSession(ctx context.Context, events <-chan zk.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return errors.New("zookeeper event channel closed")
			}
			switch ev.State {
			case zk.StateHasSession:
				zkLogger.Infof("session established with %s", ev.Server)
				return nil
			case zk.StateAuthFailed:
				return fmt.Errorf("zookeeper auth failed: %w", ev.Err)
			}
		}
	}
}

// drain logs the session events, watches carry everything the watcher needs
func (c *ZKCoordinator) drain(events <-chan zk.Event) {
	defer utils.DoPanicRecovery("zk-session-events")
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Type == zk.EventSession {
				zkLogger.Debugf("session state %s", ev.State)
			}
			if ev.State == zk.StateExpired {
				zkLogger.Warn("session expired")
			}
		}
	}
}

func (c *ZKCoordinator) path(p string) string {
	return c.chroot + p
}

// Children implements Coordinator
func (c *ZKCoordinator) Children(path string) ([]string, error) {
	children, _, err := c.conn.Children(c.path(path))
	return children, convertZKError(err)
}

// ChildrenW implements Coordinator
func (c *ZKCoordinator) ChildrenW(path string) ([]string, <-chan WatchEvent, error) {
	children, _, ch, err := c.conn.ChildrenW(c.path(path))
	if err != nil {
		return nil, nil, convertZKError(err)
	}
	return children, c.watch(path, ch), nil
}

// Get implements Coordinator
func (c *ZKCoordinator) Get(path string) ([]byte, error) {
	data, _, err := c.conn.Get(c.path(path))
	return data, convertZKError(err)
}

// GetW implements Coordinator
func (c *ZKCoordinator) GetW(path string) ([]byte, <-chan WatchEvent, error) {
	data, _, ch, err := c.conn.GetW(c.path(path))
	if err != nil {
		return nil, nil, convertZKError(err)
	}
	return data, c.watch(path, ch), nil
}

// ExistsW implements Coordinator
func (c *ZKCoordinator) ExistsW(path string) (bool, <-chan WatchEvent, error) {
	ok, _, ch, err := c.conn.ExistsW(c.path(path))
	if err != nil {
		return false, nil, convertZKError(err)
	}
	return ok, c.watch(path, ch), nil
}

// Close ends the session, pending watches receive WatchNotWatching
func (c *ZKCoordinator) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// watch converts the one-shot zk channel, path is reported without chroot
func (c *ZKCoordinator) watch(path string, ch <-chan zk.Event) <-chan WatchEvent {
	out := make(chan WatchEvent, 1)
	go func() {
		defer close(out)
		ev, ok := <-ch
		if !ok {
			out <- WatchEvent{Type: WatchNotWatching, Path: path, Err: zk.ErrClosing}
			return
		}
		out <- WatchEvent{Type: convertZKEventType(ev.Type), Path: path, Err: ev.Err}
	}()
	return out
}

func convertZKEventType(t zk.EventType) WatchEventType {
	switch t {
	case zk.EventNodeCreated:
		return WatchNodeCreated
	case zk.EventNodeDeleted:
		return WatchNodeDeleted
	case zk.EventNodeDataChanged:
		return WatchDataChanged
	case zk.EventNodeChildrenChanged:
		return WatchChildrenChanged
	}
	return WatchNotWatching
}

func convertZKError(err error) error {
	if errors.Is(err, zk.ErrNoNode) {
		return ErrNoNode
	}
	return err
}
