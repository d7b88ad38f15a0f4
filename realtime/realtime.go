// Package realtime carries collaborator push events between service
// instances over Redis pub/sub, one channel per project.
package realtime

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ideaboard/domain"
)

const channelPrefix = "ideaboard:updates:"

// Channel returns the pub/sub channel name for a project.
func Channel(projectID string) string {
	return channelPrefix + projectID
}

// Publisher fans a project's change events out to every subscribed
// session, local and remote.
type Publisher struct {
	rc *redis.Client
}

// NewPublisher creates a publisher on the given Redis client.
func NewPublisher(rc *redis.Client) *Publisher {
	return &Publisher{rc: rc}
}

// Publish sends the event on its project's channel.
func (p *Publisher) Publish(ctx context.Context, ev domain.Event) error {
	payload, err := sonic.Marshal(ev)
	if err != nil {
		return err
	}
	return p.rc.Publish(ctx, Channel(ev.ProjectID), payload).Err()
}

// Subscriber listens for a project's change events.
type Subscriber struct {
	rc     *redis.Client
	logger *log.Logger
}

// NewSubscriber creates a subscriber on the given Redis client.
func NewSubscriber(rc *redis.Client, logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Subscriber{rc: rc, logger: logger}
}

// Subscribe delivers the project's events to handler until the returned
// unsubscribe function is called or ctx is done. The pub/sub connection
// is reopened if it drops.
func (s *Subscriber) Subscribe(ctx context.Context, projectID string, handler func(domain.Event)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := s.rc.Subscribe(ctx, Channel(projectID))
	if _, err := sub.Receive(ctx); err != nil {
		cancel()
		_ = sub.Close()
		return nil, err
	}

	go func() {
		for {
			// Close the current connection when the subscription is torn
			// down so the message channel below unblocks.
			closed := make(chan struct{})
			go func() {
				select {
				case <-ctx.Done():
					_ = sub.Close()
				case <-closed:
				}
			}()

			for msg := range sub.Channel() {
				var ev domain.Event
				if err := sonic.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.WithError(err).Error("unable to parse update")
					continue
				}
				handler(ev)
			}
			close(closed)
			_ = sub.Close()

			if ctx.Err() != nil {
				return
			}
			s.logger.WithField("project", projectID).Error("pubsub channel closed, reconnecting")
			time.Sleep(time.Second)
			sub = s.rc.Subscribe(ctx, Channel(projectID))
		}
	}()

	return cancel, nil
}
