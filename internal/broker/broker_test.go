package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vmsbus/vms-server/internal/audit"
	"github.com/vmsbus/vms-server/internal/metrics"
	"github.com/vmsbus/vms-server/internal/vms"
)

type message struct {
	layer       vms.Layer
	publisherID int
	payload     string
}

type recordingClient struct {
	mu           sync.Mutex
	messages     []message
	availability []vms.AvailableLayers
	states       []vms.SubscriptionState
}

func (c *recordingClient) OnMessage(layer vms.Layer, publisherID int, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, message{layer, publisherID, string(payload)})
}

func (c *recordingClient) OnLayersAvailabilityChanged(a vms.AvailableLayers) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.availability = append(c.availability, a)
}

func (c *recordingClient) OnSubscriptionStateChanged(s vms.SubscriptionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states = append(c.states, s)
}

func (c *recordingClient) messageCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.messages)
}

func (c *recordingClient) lastAvailability() vms.AvailableLayers {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.availability) == 0 {
		return vms.AvailableLayers{}
	}
	return c.availability[len(c.availability)-1]
}

func (c *recordingClient) lastState() vms.SubscriptionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return vms.SubscriptionState{}
	}
	return c.states[len(c.states)-1]
}

type recordingNotifier struct {
	mu           sync.Mutex
	availability int
	states       int
}

func (n *recordingNotifier) AvailabilityChanged(vms.AvailableLayers) {
	n.mu.Lock()
	n.availability++
	n.mu.Unlock()
}

func (n *recordingNotifier) SubscriptionsChanged(vms.SubscriptionState) {
	n.mu.Lock()
	n.states++
	n.mu.Unlock()
}

type recordingForwarder struct {
	forwarded []message
	err       error
}

func (f *recordingForwarder) Forward(_ context.Context, layer vms.Layer, publisherID int, payload []byte) error {
	f.forwarded = append(f.forwarded, message{layer, publisherID, string(payload)})
	return f.err
}

func register(t *testing.T, b *Broker) (vms.SubscriberID, *recordingClient) {
	t.Helper()
	c := &recordingClient{}
	id, err := b.RegisterClient(c)
	if err != nil {
		t.Fatalf("RegisterClient failed: %v", err)
	}
	return id, c
}

func TestRegisterClientRejectsNil(t *testing.T) {
	b := New(Options{})
	if _, err := b.RegisterClient(nil); !errors.Is(err, ErrNilClient) {
		t.Errorf("Expected ErrNilClient, got %v", err)
	}
}

func TestUnknownClientOperations(t *testing.T) {
	b := New(Options{})
	layer := vms.NewLayer(1, 0, 1)
	var id vms.SubscriberID = "nobody"

	ops := map[string]func() error{
		"Subscribe":                         func() error { return b.Subscribe(id) },
		"Unsubscribe":                       func() error { return b.Unsubscribe(id) },
		"SubscribeToLayer":                  func() error { return b.SubscribeToLayer(id, layer) },
		"UnsubscribeFromLayer":              func() error { return b.UnsubscribeFromLayer(id, layer) },
		"SubscribeToLayerFromPublisher":     func() error { return b.SubscribeToLayerFromPublisher(id, layer, 0) },
		"UnsubscribeFromLayerFromPublisher": func() error { return b.UnsubscribeFromLayerFromPublisher(id, layer, 0) },
		"UnregisterClient":                  func() error { return b.UnregisterClient(id) },
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			if err := op(); !errors.Is(err, ErrUnknownClient) {
				t.Errorf("Expected ErrUnknownClient, got %v", err)
			}
		})
	}
}

func TestPublishRoutesToSubscribers(t *testing.T) {
	b := New(Options{})
	a := vms.NewLayer(1, 0, 1)
	other := vms.NewLayer(2, 0, 1)

	all, allClient := register(t, b)
	layerSub, layerClient := register(t, b)
	pubSub, pubClient := register(t, b)
	_, idleClient := register(t, b)

	if err := b.Subscribe(all); err != nil {
		t.Fatal(err)
	}
	if err := b.SubscribeToLayer(layerSub, a); err != nil {
		t.Fatal(err)
	}
	if err := b.SubscribeToLayerFromPublisher(pubSub, a, 7); err != nil {
		t.Fatal(err)
	}

	if n, err := b.Publish(context.Background(), a, 7, []byte("x")); err != nil || n != 3 {
		t.Errorf("Expected 3 deliveries, got %d (err %v)", n, err)
	}
	if n := b.Deliver(a, 8, []byte("y")); n != 2 {
		t.Errorf("Expected 2 deliveries from another publisher, got %d", n)
	}
	if n := b.Deliver(other, 7, []byte("z")); n != 1 {
		t.Errorf("Expected only the catch-all subscriber for another layer, got %d", n)
	}

	if got := allClient.messageCount(); got != 3 {
		t.Errorf("Catch-all subscriber should get 3 messages, got %d", got)
	}
	if got := layerClient.messageCount(); got != 2 {
		t.Errorf("Layer subscriber should get 2 messages, got %d", got)
	}
	if got := pubClient.messageCount(); got != 1 {
		t.Errorf("Publisher subscriber should get 1 message, got %d", got)
	}
	if got := idleClient.messageCount(); got != 0 {
		t.Errorf("Unsubscribed client should get nothing, got %d", got)
	}

	pubClient.mu.Lock()
	first := pubClient.messages[0]
	pubClient.mu.Unlock()
	if first.layer != a || first.publisherID != 7 || first.payload != "x" {
		t.Errorf("Unexpected message: %+v", first)
	}
}

func TestSubscriberDeliveredOnce(t *testing.T) {
	b := New(Options{})
	layer := vms.NewLayer(1, 0, 1)
	id, c := register(t, b)

	b.Subscribe(id)
	b.SubscribeToLayer(id, layer)
	b.SubscribeToLayerFromPublisher(id, layer, 0)

	if n := b.Deliver(layer, 0, nil); n != 1 {
		t.Errorf("Expected a single delivery, got %d", n)
	}
	if got := c.messageCount(); got != 1 {
		t.Errorf("Expected 1 message, got %d", got)
	}
}

func TestHalSubscriptionIsSilent(t *testing.T) {
	b := New(Options{})
	layer := vms.NewLayer(5, 0, 1)
	_, c := register(t, b)

	b.AddHalSubscription(layer)

	if n := b.Deliver(layer, 0, nil); n != 0 {
		t.Errorf("HAL subscriptions should not receive messages, got %d", n)
	}
	state := c.lastState()
	if !state.HasLayer(layer) {
		t.Errorf("HAL layer should be reported in subscription state: %+v", state)
	}
	if len(state.AssociatedLayers) != 0 {
		t.Errorf("HAL layer should not be associated with a publisher: %+v", state)
	}

	b.RemoveHalSubscription(layer)
	if b.GetSubscriptionState().HasLayer(layer) {
		t.Error("HAL layer should be gone after removal")
	}
}

func TestSubscriptionNotifications(t *testing.T) {
	b := New(Options{})
	n := &recordingNotifier{}
	b.AddNotifier(n)
	layer := vms.NewLayer(1, 0, 1)
	id, c := register(t, b)

	b.SubscribeToLayer(id, layer)
	b.UnsubscribeFromLayer(id, layer)
	// Nothing left to remove; no notification.
	b.UnsubscribeFromLayer(id, layer)

	c.mu.Lock()
	states := len(c.states)
	c.mu.Unlock()
	if states != 2 {
		t.Errorf("Expected 2 subscription notifications, got %d", states)
	}
	if n.states != 2 {
		t.Errorf("Expected notifier to see 2 transitions, got %d", n.states)
	}
	if seq := c.lastState().Sequence; seq != 2 {
		t.Errorf("Expected sequence 2, got %d", seq)
	}
}

func TestUnregisterClientDropsSubscriptions(t *testing.T) {
	b := New(Options{})
	layer := vms.NewLayer(1, 0, 1)
	gone, _ := register(t, b)
	_, watcher := register(t, b)

	b.SubscribeToLayer(gone, layer)
	if err := b.UnregisterClient(gone); err != nil {
		t.Fatalf("UnregisterClient failed: %v", err)
	}

	if b.GetSubscriptionState().HasLayer(layer) {
		t.Error("Layer should no longer be subscribed")
	}
	if seq := watcher.lastState().Sequence; seq != 2 {
		t.Errorf("Watcher should see the removal at sequence 2, got %d", seq)
	}
	if n := b.Deliver(layer, 0, nil); n != 0 {
		t.Errorf("Expected no deliveries, got %d", n)
	}
}

func TestRegisterPublisher(t *testing.T) {
	b := New(Options{})

	a := b.RegisterPublisher([]byte("camera"))
	c := b.RegisterPublisher([]byte("radar"))
	again := b.RegisterPublisher([]byte("camera"))

	if a != 0 || c != 1 || again != 0 {
		t.Errorf("Unexpected ids: %d %d %d", a, c, again)
	}
	info, err := b.GetPublisherInfo(c)
	if err != nil || string(info) != "radar" {
		t.Errorf("Unexpected info %q (err %v)", info, err)
	}
}

func TestSetPublisherOffering(t *testing.T) {
	b := New(Options{})
	_, c := register(t, b)
	n := &recordingNotifier{}
	b.AddNotifier(n)

	a := vms.NewLayer(1, 0, 1)
	d := vms.NewLayer(2, 0, 1)

	first := b.RegisterPublisher([]byte("first"))
	second := b.RegisterPublisher([]byte("second"))

	if err := b.SetPublisherOffering(vms.NewOffering(first, vms.NewLayerDependency(a))); err != nil {
		t.Fatalf("SetPublisherOffering failed: %v", err)
	}
	if err := b.SetPublisherOffering(vms.NewOffering(second, vms.NewLayerDependency(d, a))); err != nil {
		t.Fatalf("SetPublisherOffering failed: %v", err)
	}

	want := vms.AvailableLayers{
		Sequence: 2,
		AssociatedLayers: []vms.AssociatedLayer{
			vms.NewAssociatedLayer(a, first),
			vms.NewAssociatedLayer(d, second),
		},
	}
	if got := c.lastAvailability(); !got.Equal(want) {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
	if n.availability != 2 {
		t.Errorf("Expected notifier to see 2 transitions, got %d", n.availability)
	}

	// Withdrawing the dependency makes the dependent layer unavailable.
	if !b.RemovePublisherOffering(first) {
		t.Fatal("Expected offering to be removed")
	}
	got := b.GetAvailableLayers()
	if got.Sequence != 3 || len(got.AssociatedLayers) != 0 {
		t.Errorf("Expected no layers at sequence 3, got %+v", got)
	}

	if b.RemovePublisherOffering(first) {
		t.Error("Removing a missing offering should report false")
	}
	if seq := b.GetAvailableLayers().Sequence; seq != 3 {
		t.Errorf("Removing a missing offering should not bump the sequence, got %d", seq)
	}
}

func TestSetPublisherOfferingReplaces(t *testing.T) {
	b := New(Options{})
	a := vms.NewLayer(1, 0, 1)
	d := vms.NewLayer(2, 0, 1)
	id := b.RegisterPublisher([]byte("p"))

	b.SetPublisherOffering(vms.NewOffering(id, vms.NewLayerDependency(a)))
	b.SetPublisherOffering(vms.NewOffering(id, vms.NewLayerDependency(d)))

	got := b.GetAvailableLayers()
	if _, ok := got.Lookup(a); ok {
		t.Error("Replaced layer should no longer be available")
	}
	if _, ok := got.Lookup(d); !ok {
		t.Error("New layer should be available")
	}
}

func TestSetPublisherOfferingUnknownPublisher(t *testing.T) {
	b := New(Options{})
	err := b.SetPublisherOffering(vms.NewOffering(3, vms.NewLayerDependency(vms.NewLayer(1, 0, 1))))
	if !errors.Is(err, ErrUnknownPublisher) {
		t.Errorf("Expected ErrUnknownPublisher, got %v", err)
	}
	if seq := b.GetAvailableLayers().Sequence; seq != 0 {
		t.Errorf("Rejected offering should not bump the sequence, got %d", seq)
	}
}

func TestPublishForwards(t *testing.T) {
	b := New(Options{})
	fwd := &recordingForwarder{}
	b.SetForwarder(fwd)
	layer := vms.NewLayer(1, 0, 1)

	if _, err := b.Publish(context.Background(), layer, 2, []byte("p")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	b.Deliver(layer, 2, []byte("remote"))

	if len(fwd.forwarded) != 1 || fwd.forwarded[0].payload != "p" {
		t.Errorf("Expected only the local message to be forwarded, got %+v", fwd.forwarded)
	}

	fwd.err = errors.New("boom")
	if _, err := b.Publish(context.Background(), layer, 2, nil); err == nil {
		t.Error("Expected forwarding error to surface")
	}
}

func TestJournalAndMetricsHooks(t *testing.T) {
	j, err := audit.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open journal: %v", err)
	}
	defer j.Close()

	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		t.Fatalf("Failed to create metrics: %v", err)
	}

	b := New(Options{Journal: j, Metrics: m})
	layer := vms.NewLayer(1, 0, 1)

	id, _ := register(t, b)
	pub := b.RegisterPublisher([]byte("p"))
	b.SetPublisherOffering(vms.NewOffering(pub, vms.NewLayerDependency(layer)))
	b.SubscribeToLayer(id, layer)
	b.Deliver(layer, pub, nil)
	b.UnregisterClient(id)

	// client register, publisher, availability, subscription,
	// client unregister, subscription removal
	if count, _ := j.Count(); count != 6 {
		t.Errorf("Expected 6 journal entries, got %d", count)
	}
	if ok, err := j.VerifyChain(); !ok || err != nil {
		t.Errorf("Expected intact chain, got ok=%v err=%v", ok, err)
	}

	if got := testutil.ToFloat64(m.AvailableLayers); got != 1 {
		t.Errorf("Expected 1 available layer, got %v", got)
	}
	if got := testutil.ToFloat64(m.RegisteredPublishers); got != 1 {
		t.Errorf("Expected 1 publisher, got %v", got)
	}
	if got := testutil.ToFloat64(m.DeliveriesTotal); got != 1 {
		t.Errorf("Expected 1 delivery, got %v", got)
	}
	if got := testutil.ToFloat64(m.SubscriptionSequence); got != 2 {
		t.Errorf("Expected subscription sequence 2, got %v", got)
	}
}

func TestConcurrentClients(t *testing.T) {
	b := New(Options{})
	layer := vms.NewLayer(1, 0, 1)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := &recordingClient{}
			id, err := b.RegisterClient(c)
			if err != nil {
				t.Error(err)
				return
			}
			b.SubscribeToLayer(id, layer)
			b.Deliver(layer, 0, nil)
			b.UnregisterClient(id)
		}()
	}
	wg.Wait()

	if b.GetSubscriptionState().HasLayer(layer) {
		t.Error("All subscriptions should be gone")
	}
	if seq := b.GetSubscriptionState().Sequence; seq != 32 {
		t.Errorf("Expected 32 transitions, got %d", seq)
	}
}

func TestUnregisterWaitsForInFlightSubscription(t *testing.T) {
	b := New(Options{})
	layer := vms.NewLayer(1, 0, 1)
	id, _ := register(t, b)

	done := make(chan error, 1)
	err := b.withClient(id, func() bool {
		go func() { done <- b.UnregisterClient(id) }()

		select {
		case err := <-done:
			t.Errorf("UnregisterClient returned while a subscription change was in flight: %v", err)
		case <-time.After(50 * time.Millisecond):
		}

		b.router.AddLayerSubscription(id, layer)
		return true
	})
	if err != nil {
		t.Fatalf("withClient failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("UnregisterClient failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("UnregisterClient did not finish")
	}

	if b.GetSubscriptionState().HasLayer(layer) {
		t.Error("Subscription added before unregistering should have been removed with the client")
	}
	if err := b.SubscribeToLayer(id, layer); !errors.Is(err, ErrUnknownClient) {
		t.Errorf("Expected ErrUnknownClient after unregistering, got %v", err)
	}
}

func TestConcurrentSubscribeAndUnregister(t *testing.T) {
	b := New(Options{})
	layer := vms.NewLayer(1, 0, 1)

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		id, _ := register(t, b)
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.SubscribeToLayer(id, layer)
		}()
		go func() {
			defer wg.Done()
			b.UnregisterClient(id)
		}()
	}
	wg.Wait()

	if b.GetSubscriptionState().HasLayer(layer) {
		t.Error("No subscription should outlive its client")
	}
}

func TestSetPublisherOfferingCopiesInput(t *testing.T) {
	b := New(Options{})
	a := vms.NewLayer(1, 0, 1)
	d := vms.NewLayer(2, 0, 1)
	other := vms.NewLayer(3, 0, 1)

	first := b.RegisterPublisher([]byte("first"))
	second := b.RegisterPublisher([]byte("second"))

	o := vms.NewOffering(first, vms.NewLayerDependency(a), vms.NewLayerDependency(d, a))
	if err := b.SetPublisherOffering(o); err != nil {
		t.Fatal(err)
	}

	o.Dependencies[1].DependsOn[0] = other
	o.Dependencies[0].Layer = other

	if err := b.SetPublisherOffering(vms.NewOffering(second)); err != nil {
		t.Fatal(err)
	}

	got := b.GetAvailableLayers()
	if _, ok := got.Lookup(a); !ok {
		t.Error("Stored offering should not change when the caller mutates its copy")
	}
	if _, ok := got.Lookup(d); !ok {
		t.Error("Dependent layer should still resolve")
	}
	if _, ok := got.Lookup(other); ok {
		t.Error("Caller mutation leaked into the stored offering")
	}
}
