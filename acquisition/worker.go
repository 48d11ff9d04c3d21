package acquisition

import (
	"sync"

	"github.com/golang/glog"

	"github.com/hb9tf/spectran/psd"
)

type psdTask struct {
	index    int
	spectrum bool
}

// psdWorker computes the PSD of each acquired row off the acquisition goroutine and publishes
// the progress event for it, in submission order.
type psdWorker struct {
	est   *psd.Estimator
	out   *Channel
	tasks chan psdTask
	done  chan struct{}

	mu  sync.Mutex
	err error
}

// newPSDWorker starts a worker that accepts up to capacity tasks without blocking.
func newPSDWorker(est *psd.Estimator, out *Channel, capacity int) *psdWorker {
	w := &psdWorker{
		est:   est,
		out:   out,
		tasks: make(chan psdTask, capacity),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *psdWorker) submit(t psdTask) {
	w.tasks <- t
}

// drain waits for all submitted tasks and stops the worker.
func (w *psdWorker) drain() error {
	close(w.tasks)
	<-w.done
	return w.Err()
}

func (w *psdWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *psdWorker) run() {
	defer close(w.done)
	for t := range w.tasks {
		if w.Err() != nil {
			continue
		}
		if t.spectrum {
			if err := w.est.Update(t.index); err != nil {
				glog.Warningf("PSD update of row %d failed: %s", t.index, err)
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
				continue
			}
		}
		w.out.Publish(Event{
			Type:     Progress,
			Index:    t.index,
			Snapshot: w.est.Buffer().Snapshot(t.index),
		})
	}
}
