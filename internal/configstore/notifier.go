package configstore

import (
	"context"
	"sync"

	"github.com/mbd888/riskengine/internal/risk"
)

// Notifier fans out configuration changes to subscribers.
type Notifier interface {
	Publish(ctx context.Context, change Change) error
	// Subscribe receives changes for category, or for every category when
	// category is empty. cancel releases the subscription.
	Subscribe(category risk.Category) (changes <-chan Change, cancel func())
}

const subscriberBuffer = 32

// LocalNotifier delivers changes to in-process subscribers. A subscriber
// that falls behind loses its oldest pending change, never the newest: the
// newest version supersedes the ones before it.
type LocalNotifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]*subscriber
}

type subscriber struct {
	category risk.Category
	ch       chan Change
}

// NewLocalNotifier creates an in-process notifier.
func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[int]*subscriber)}
}

func (n *LocalNotifier) Publish(_ context.Context, change Change) error {
	n.deliver(change)
	return nil
}

func (n *LocalNotifier) deliver(change Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.subs {
		if s.category != "" && s.category != change.Category {
			continue
		}
		select {
		case s.ch <- change:
		default:
			select {
			case <-s.ch:
			default:
			}
			select {
			case s.ch <- change:
			default:
			}
		}
	}
}

func (n *LocalNotifier) Subscribe(category risk.Category) (<-chan Change, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	s := &subscriber{category: category, ch: make(chan Change, subscriberBuffer)}
	n.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			close(s.ch)
			n.mu.Unlock()
		})
	}
}
