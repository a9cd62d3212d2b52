package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/core"
	"github.com/dkeye/huddle/internal/domain"
)

// minInterval gives a five frame window.
const minInterval = 5 * frameDuration

func observeN(o *audioObserver, id domain.ProducerID, level uint8, n int) {
	for i := 0; i < n; i++ {
		o.observe(id, level)
	}
}

func TestAudioLevelWindow(t *testing.T) {
	l := newAudioLevel(80, 40, 5)

	for i := 0; i < 4; i++ {
		l.observe(30)
	}
	level, active := l.level()
	assert.Equal(t, uint8(silentAudioLevel), level)
	assert.False(t, active, "window not complete yet")

	l.observe(30)
	level, active = l.level()
	assert.True(t, active)
	assert.Equal(t, uint8(30), level)
}

func TestAudioLevelBelowPercentile(t *testing.T) {
	l := newAudioLevel(80, 40, 5)
	l.observe(20)
	for i := 0; i < 4; i++ {
		l.observe(110)
	}
	_, active := l.level()
	assert.False(t, active)
}

func TestAudioObserverLoudest(t *testing.T) {
	o := newAudioObserver(minInterval, -80, 40)
	o.add("quiet")
	o.add("loud")

	observeN(o, "quiet", 60, 5)
	observeN(o, "loud", 20, 5)
	observeN(o, "unknown", 0, 5)

	ev, ok := o.tick()
	require.True(t, ok)
	assert.Equal(t, domain.ProducerID("loud"), ev.ProducerID)
	assert.Equal(t, -20.0, ev.Volume)
}

func TestAudioObserverSilenceOnce(t *testing.T) {
	o := newAudioObserver(minInterval, -80, 40)
	o.add("p")

	_, ok := o.tick()
	assert.False(t, ok, "nothing to report before anyone spoke")

	observeN(o, "p", 10, 5)
	ev, ok := o.tick()
	require.True(t, ok)
	assert.Equal(t, domain.ProducerID("p"), ev.ProducerID)

	o.remove("p")
	ev, ok = o.tick()
	require.True(t, ok)
	assert.Empty(t, ev.ProducerID)

	_, ok = o.tick()
	assert.False(t, ok)
}

func TestAudioObserverThresholdClamp(t *testing.T) {
	o := newAudioObserver(time.Millisecond, -200, 0)
	assert.Equal(t, uint8(silentAudioLevel), o.threshold)
	assert.Equal(t, uint32(1), o.frames)

	o = newAudioObserver(800*time.Millisecond, -80, 40)
	assert.Equal(t, uint8(80), o.threshold)
	assert.Equal(t, uint32(40), o.frames)
}

func TestAudioObserverRunEmits(t *testing.T) {
	o := newAudioObserver(minInterval, -80, 40)
	o.add("p")
	observeN(o, "p", 10, 5)

	events := make(chan core.AudioLevelEvent, 4)
	o.onEvent(func(ev core.AudioLevelEvent) { events <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.run(ctx)

	select {
	case ev := <-events:
		assert.Equal(t, domain.ProducerID("p"), ev.ProducerID)
	case <-time.After(time.Second):
		t.Fatal("no audio level event")
	}
}
