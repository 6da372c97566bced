package broker

import (
	"encoding/json"
	"sync"

	"github.com/redis/go-redis/v9"

	"coach_msg/server/chat/domain"
	commonlog "coach_msg/server/common/log"
)

const subscriptionBuffer = 64

// Subscription decodes fan-out events for one connection.
type Subscription struct {
	ps     *redis.PubSub
	events chan domain.Event
	done   chan struct{}
	once   sync.Once
}

func newSubscription(ps *redis.PubSub, buffer int) *Subscription {
	s := &Subscription{
		ps:     ps,
		events: make(chan domain.Event, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// C is closed after Close or when the underlying connection goes away.
func (s *Subscription) C() <-chan domain.Event {
	return s.events
}

func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *Subscription) run() {
	defer close(s.events)
	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt domain.Event
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				commonlog.Warnf("event=chat_subscription action=decode status=failed channel=%s error=%v", msg.Channel, err)
				continue
			}
			select {
			case s.events <- evt:
			case <-s.done:
				return
			}
		}
	}
}
