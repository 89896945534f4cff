package devnet

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/gridworks/gridbox/pkg/events"
	"github.com/gridworks/gridbox/pkg/hal"
	"github.com/gridworks/gridbox/pkg/metrics"
)

// pollTask describes the periodic polling of one device.
type pollTask struct {
	entry  *deviceEntry
	driver hal.Pollable
	period time.Duration
	pause  time.Duration
}

// schedule is one queue entry: a task and its next activation time.
type schedule struct {
	when time.Time
	task *pollTask
}

// deviceErrState tracks the error handling state of one device: the
// fast-retry arming, the error/ok transition for the recovered counter
// and the log de-flooding counters.
type deviceErrState struct {
	inError  bool
	retried  bool
	reported int
}

// pollWorker runs the polling scheduler of one coordinator.
//
// The schedule queue is kept in non-decreasing activation time order.
// Every checking period, the entries due at the start of the tick are
// popped from the front, processed, and re-inserted at their next
// activation time. Entries re-inserted for an immediate retry are
// picked up by the next tick, not the current one.
type pollWorker struct {
	coord       *Coordinator
	tasks       []*pollTask
	checkPeriod time.Duration
	pollDelay   time.Duration
	stats       *statsBook
	logger      zerolog.Logger

	queue    []schedule
	errState map[string]*deviceErrState
	polled   map[string]bool

	overrunLogged bool

	stop chan struct{}
	done chan struct{}
}

func newPollWorker(coord *Coordinator, tasks []*pollTask, checkPeriod, pollDelay time.Duration, statsPath string) *pollWorker {
	logger := coord.logger.With().Str("worker", "poll").Logger()
	return &pollWorker{
		coord:       coord,
		tasks:       tasks,
		checkPeriod: checkPeriod,
		pollDelay:   pollDelay,
		stats:       newStatsBook(statsPath, logger),
		logger:      logger,
		errState:    make(map[string]*deviceErrState),
		polled:      make(map[string]bool),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// terminate notifies the worker that it must exit. It is checked before
// every sleep and between every device within a tick.
func (w *pollWorker) terminate() {
	select {
	case <-w.stop:
	default:
		w.logger.Info().Msg("terminate request received")
		close(w.stop)
	}
}

// join waits for the worker exit, bounded by the given timeout.
func (w *pollWorker) join(timeout time.Duration) bool {
	select {
	case <-w.done:
		return true
	case <-time.After(timeout):
		w.logger.Warn().Dur("timeout", timeout).Msg("worker did not stop in time")
		return false
	}
}

func (w *pollWorker) terminated() bool {
	select {
	case <-w.stop:
		return true
	default:
		return false
	}
}

// sleep waits for the duration unless a termination is requested.
// Returns false when interrupted.
func (w *pollWorker) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-w.stop:
		return false
	}
}

// at inserts a schedule, preserving the non-decreasing order of the
// queue. Insertion is a plain append when the activation time is not
// before the queue back, which is the common case.
func (w *pollWorker) at(when time.Time, task *pollTask) {
	entry := schedule{when: when, task: task}
	if n := len(w.queue); n == 0 || !when.Before(w.queue[n-1].when) {
		w.queue = append(w.queue, entry)
		return
	}

	lo, hi := 0, len(w.queue)
	for lo < hi {
		mid := (lo + hi) / 2
		if w.queue[mid].when.After(when) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	w.queue = append(w.queue, schedule{})
	copy(w.queue[lo+1:], w.queue[lo:])
	w.queue[lo] = entry
}

// run is the scheduling loop.
func (w *pollWorker) run() {
	defer close(w.done)
	defer w.stats.save()

	if len(w.tasks) == 0 {
		err := &PollingWorkerError{Reason: "empty task list"}
		w.logger.Error().Err(err).Msg("worker aborted")
		return
	}

	// every device gets an immediate first poll
	for _, task := range w.tasks {
		w.at(time.Time{}, task)
	}

	w.logger.Info().Int("tasks", len(w.tasks)).Msg("entering run loop")

	for !w.terminated() {
		startTime := time.Now()

		// count the entries due at the start of this tick, so that the
		// re-inserted ones wait for the next tick
		due := 0
		for due < len(w.queue) && !w.queue[due].when.After(startTime) {
			due++
		}

		for i := 0; i < due; i++ {
			if w.terminated() {
				return
			}

			sched := w.queue[0]
			w.queue = w.queue[1:]
			task := sched.task

			retryNow := w.processTask(task, startTime)
			if retryNow {
				w.at(startTime, task)
			} else {
				w.at(startTime.Add(task.period), task)
			}

			// if we need to keep a cool pace, wait a bit before polling
			// the next device
			pause := task.pause
			if w.pollDelay > pause {
				pause = w.pollDelay
			}
			if pause > 0 && i < due-1 {
				if !w.sleep(pause) {
					return
				}
			}
		}

		if w.terminated() {
			return
		}

		delay := time.Until(startTime.Add(w.checkPeriod))
		if delay > 0 {
			if !w.sleep(delay) {
				return
			}
		} else if !w.overrunLogged {
			// overruns point at a configuration problem (too many
			// devices for the pace); the period is never self-adjusted
			w.overrunLogged = true
			w.logger.Warn().Dur("check_period", w.checkPeriod).
				Msg("polling tick overruns the checking period")
		}
	}
}

// processTask performs one poll of a device, updating statistics and
// emitting the produced events. It reports whether the task must be
// retried on the next tick instead of waiting for its normal period.
func (w *pollWorker) processTask(task *pollTask, now time.Time) (retryNow bool) {
	devID := task.entry.id

	// log the polling operation without filling up the log with
	// recurrent messages
	if !w.polled[devID] {
		w.logger.Info().Str("device", devID).Msg("first polling of device")
		w.polled[devID] = true
	} else {
		w.logger.Debug().Str("device", devID).Msg("polling device")
	}

	st, ok := w.errState[devID]
	if !ok {
		st = &deviceErrState{}
		w.errState[devID] = st
	}

	stats := w.stats.get(devID)
	stats.TotalPoll++
	metrics.PollsTotal.WithLabelValues(w.coord.cid).Inc()

	timer := metrics.NewTimer()
	evts, err := w.poll(task)
	timer.ObserveDuration(metrics.PollDuration)

	defer w.stats.note(devID)

	if err == nil {
		if st.inError {
			stats.Recovered++
			metrics.PollRecoveriesTotal.WithLabelValues(w.coord.cid).Inc()
			w.logger.Info().Str("device", devID).Msg("communication restored with device")
			*st = deviceErrState{}
		}
		w.coord.emitEvents(evts, w.terminated)
		return false
	}

	var kind string
	var commErr *hal.CommunicationError
	var framingErr *hal.FramingError
	switch {
	case errors.As(err, &commErr):
		kind = "comm"
		stats.CommErrs++
	case errors.As(err, &framingErr):
		kind = "crc"
		stats.CrcErrs++
	default:
		kind = "unexpected"
		stats.UnexpErrs++
	}
	metrics.PollErrorsTotal.WithLabelValues(w.coord.cid, kind).Inc()

	st.reported++
	if st.reported <= 2 {
		w.logger.Error().Err(err).Str("device", devID).Str("kind", kind).Msg("polling failed")
	}
	if st.reported == 2 {
		w.logger.Warn().Str("device", devID).
			Msg("duplicated errors will not be reported any more for device")
	}

	if !st.inError && !st.retried {
		// one immediate retry on the first failure
		st.retried = true
		st.inError = true
		return true
	}

	st.inError = true
	w.logger.Error().Str("device", devID).Msg("non recovered error on device")
	return false
}

// poll invokes the driver, turning a panic into an error so that a
// defective driver cannot take the worker down.
func (w *pollWorker) poll(task *pollTask) (evts []events.Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("driver panic: %v", r)
		}
	}()
	return task.driver.Poll()
}
