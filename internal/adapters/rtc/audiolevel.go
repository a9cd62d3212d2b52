package rtc

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

const (
	// opus frames are 20ms
	frameDuration    = 20 * time.Millisecond
	silentAudioLevel = 127
)

// audioLevel tracks the level of one producer over an observe window.
type audioLevel struct {
	levelThreshold  uint8
	observeFrames   uint32
	minActiveFrames uint32
	currentLevel    uint32

	// owned by the relay goroutine of the producer
	observeLevel uint8
	activeFrames uint32
	numFrames    uint32
}

func newAudioLevel(threshold uint8, minPercentile uint8, observeFrames uint32) *audioLevel {
	return &audioLevel{
		levelThreshold:  threshold,
		observeFrames:   observeFrames,
		minActiveFrames: uint32(minPercentile) * observeFrames / 100,
		currentLevel:    silentAudioLevel,
		observeLevel:    silentAudioLevel,
	}
}

// observe records one frame. level is in -dBov, 0 loudest and 127 silent.
func (l *audioLevel) observe(level uint8) {
	l.numFrames++

	if level <= l.levelThreshold {
		l.activeFrames++
		if l.observeLevel > level {
			l.observeLevel = level
		}
	}

	if l.numFrames < l.observeFrames {
		return
	}
	if l.activeFrames >= l.minActiveFrames && l.activeFrames > 0 {
		ratio := float64(l.activeFrames) / float64(l.observeFrames)
		level := uint32(l.observeLevel) + uint32(-20*math.Log10(ratio))
		atomic.StoreUint32(&l.currentLevel, level)
	} else {
		atomic.StoreUint32(&l.currentLevel, silentAudioLevel)
	}
	l.observeLevel = silentAudioLevel
	l.activeFrames = 0
	l.numFrames = 0
}

func (l *audioLevel) level() (uint8, bool) {
	level := uint8(atomic.LoadUint32(&l.currentLevel))
	return level, level < l.levelThreshold
}

// audioObserver reports the loudest producer of a router once per interval.
type audioObserver struct {
	interval      time.Duration
	threshold     uint8
	minPercentile uint8
	frames        uint32

	mu       sync.RWMutex
	levels   map[domain.ProducerID]*audioLevel
	handler  func(core.AudioLevelEvent)
	speaking domain.ProducerID
}

// newAudioObserver takes threshold in dBov (e.g. -80).
func newAudioObserver(interval time.Duration, threshold int, minPercentile uint8) *audioObserver {
	if threshold < 0 {
		threshold = -threshold
	}
	if threshold > silentAudioLevel {
		threshold = silentAudioLevel
	}
	frames := uint32(interval / frameDuration)
	if frames == 0 {
		frames = 1
	}
	return &audioObserver{
		interval:      interval,
		threshold:     uint8(threshold),
		minPercentile: minPercentile,
		frames:        frames,
		levels:        make(map[domain.ProducerID]*audioLevel),
	}
}

func (o *audioObserver) add(id domain.ProducerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.levels[id]; !ok {
		o.levels[id] = newAudioLevel(o.threshold, o.minPercentile, o.frames)
	}
}

func (o *audioObserver) remove(id domain.ProducerID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.levels, id)
}

func (o *audioObserver) observe(id domain.ProducerID, level uint8) {
	o.mu.RLock()
	l, ok := o.levels[id]
	o.mu.RUnlock()
	if ok {
		l.observe(level)
	}
}

func (o *audioObserver) onEvent(fn func(core.AudioLevelEvent)) {
	o.mu.Lock()
	o.handler = fn
	o.mu.Unlock()
}

// tick computes the loudest active producer. ok is false when nothing changed
// since the last silence.
func (o *audioObserver) tick() (core.AudioLevelEvent, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var (
		loudest domain.ProducerID
		lowest  uint8 = silentAudioLevel
	)
	for id, l := range o.levels {
		if level, active := l.level(); active && level < lowest {
			loudest, lowest = id, level
		}
	}
	if loudest == "" {
		if o.speaking == "" {
			return core.AudioLevelEvent{}, false
		}
		o.speaking = ""
		return core.AudioLevelEvent{}, true
	}
	o.speaking = loudest
	return core.AudioLevelEvent{ProducerID: loudest, Volume: -float64(lowest)}, true
}

func (o *audioObserver) run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ev, ok := o.tick()
			if !ok {
				continue
			}
			o.mu.RLock()
			fn := o.handler
			o.mu.RUnlock()
			if fn != nil {
				fn(ev)
			}
		}
	}
}
