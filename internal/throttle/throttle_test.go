package throttle

import (
	"testing"
	"time"
)

func TestAllow_OncePerInterval(t *testing.T) {
	now := time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)
	th := New(5 * time.Second)
	th.now = func() time.Time { return now }

	if ok, _ := th.Allow("m:BTC|blocked"); !ok {
		t.Fatal("first event should pass")
	}
	for i := 0; i < 3; i++ {
		if ok, _ := th.Allow("m:BTC|blocked"); ok {
			t.Fatal("events inside the interval should be suppressed")
		}
	}
	if ok, _ := th.Allow("m:BTC|clamped"); !ok {
		t.Error("different reason should not share the slot")
	}

	now = now.Add(6 * time.Second)
	ok, suppressed := th.Allow("m:BTC|blocked")
	if !ok || suppressed != 3 {
		t.Errorf("expected pass with 3 suppressed, got ok=%v suppressed=%d", ok, suppressed)
	}
}

func TestAllow_DisabledPassesEverything(t *testing.T) {
	th := New(0)
	for i := 0; i < 5; i++ {
		if ok, _ := th.Allow("k"); !ok {
			t.Fatal("zero interval should disable throttling")
		}
	}
	var nilThrottle *Throttle
	if ok, _ := nilThrottle.Allow("k"); !ok {
		t.Error("nil throttle should pass")
	}
}

func TestForget(t *testing.T) {
	th := New(time.Hour)
	th.Allow("m:BTC|a")
	th.Allow("m:ETH|a")
	th.Forget("m:BTC")

	if ok, _ := th.Allow("m:BTC|a"); !ok {
		t.Error("forgotten key should pass again")
	}
	if ok, _ := th.Allow("m:ETH|a"); ok {
		t.Error("other keys must stay throttled")
	}
}

func TestForget_KeySeparatorStopsPrefixBleed(t *testing.T) {
	th := New(time.Hour)
	th.Allow("m1:BTC|blocked")
	th.Allow("m1:BTCX|blocked")
	th.Allow("m10:BTC|blocked")
	th.Forget("m1:BTC|")

	if ok, _ := th.Allow("m1:BTC|blocked"); !ok {
		t.Error("cleared market should log again")
	}
	if ok, _ := th.Allow("m1:BTCX|blocked"); ok {
		t.Error("market sharing the asset prefix must stay throttled")
	}
	if ok, _ := th.Allow("m10:BTC|blocked"); ok {
		t.Error("market sharing the id prefix must stay throttled")
	}
}
