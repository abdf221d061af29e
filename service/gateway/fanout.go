package gateway

import (
	"sync"

	"github.com/Logan27/mini-messenger-sub000/logger"

	"go.uber.org/zap"
)

type fanoutJob struct {
	clients []*Client
	payload []byte
}

// Fanout is the shared delivery pool: local broadcasts enqueue here instead
// of writing to every connection inline, so one wide group send cannot stall
// the caller. Slow clients are skipped, not waited on.
type Fanout struct {
	jobs     chan fanoutJob
	stopCh   chan struct{}
	log      *zap.Logger
	stopOnce sync.Once
}

func NewFanout(workers, queue int) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{
		jobs:   make(chan fanoutJob, queue),
		stopCh: make(chan struct{}),
		log:    logger.Named("fanout"),
	}
	for i := 0; i < workers; i++ {
		go f.worker()
	}
	return f
}

func (f *Fanout) worker() {
	for {
		select {
		case <-f.stopCh:
			return
		case job := <-f.jobs:
			for _, c := range job.clients {
				if !c.trySend(job.payload) {
					f.log.Debug("frame dropped",
						zap.String("conn_id", c.ConnID), zap.String("user_id", c.UserID))
				}
			}
		}
	}
}

func (f *Fanout) Broadcast(clients []*Client, payload []byte) {
	if len(clients) == 0 || len(payload) == 0 {
		return
	}
	select {
	case <-f.stopCh:
		return
	default:
	}
	select {
	case f.jobs <- fanoutJob{clients: clients, payload: payload}:
	default:
		// queue full: deliver inline rather than drop the whole broadcast
		for _, c := range clients {
			c.trySend(payload)
		}
	}
}

// Stop ends the workers. The jobs channel stays open: producers (timer
// callbacks, presence goroutines) may still call Broadcast during teardown.
func (f *Fanout) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}
