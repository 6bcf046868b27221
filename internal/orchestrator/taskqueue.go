package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// TaskQueue publishes stage tasks and delivers them to a handler. The
// contract is identical whether tasks cross a broker or stay in-process:
// handlers never see a difference between the two.
type TaskQueue interface {
	PublishOCR(ctx context.Context, task OCRTask) error
	PublishDiff(ctx context.Context, task DiffTask) error
	PublishSummary(ctx context.Context, task SummaryTask) error

	OnOCR(handler func(OCRTask))
	OnDiff(handler func(DiffTask))
	OnSummary(handler func(SummaryTask))

	Close() error
}

func topicFor(jobID, stage string) string {
	return fmt.Sprintf("ddc/%s/%s", jobID, stage)
}

// MQTTTaskQueue is a broker-backed TaskQueue: auto reconnect on, clean
// session off so subscriptions survive a reconnect, and a doubling
// 1s-to-60s retry loop on first connect.
type MQTTTaskQueue struct {
	client mqtt.Client

	mu          sync.RWMutex
	ocrHandler  func(OCRTask)
	diffHandler func(DiffTask)
	sumHandler  func(SummaryTask)
}

// NewMQTTTaskQueue dials broker and subscribes to the three DDC topic
// wildcards. Connection happens asynchronously with exponential backoff;
// the returned queue is usable immediately (publishes queue at the client
// library level until connected).
func NewMQTTTaskQueue(broker, clientID string) (*MQTTTaskQueue, error) {
	q := &MQTTTaskQueue{}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(false)
	opts.SetOrderMatters(false)
	opts.SetOnConnectHandler(q.onConnect)

	q.client = mqtt.NewClient(opts)
	go q.connectWithRetry()
	return q, nil
}

func (q *MQTTTaskQueue) connectWithRetry() {
	retryDelay := 1 * time.Second
	maxRetryDelay := 60 * time.Second
	for {
		token := q.client.Connect()
		if token.WaitTimeout(10 * time.Second) {
			if token.Error() == nil {
				log.Println("orchestrator: connected to task queue broker")
				return
			}
			log.Printf("orchestrator: task queue connect failed: %v", token.Error())
		} else {
			log.Println("orchestrator: task queue connect timeout")
		}
		time.Sleep(retryDelay)
		retryDelay *= 2
		if retryDelay > maxRetryDelay {
			retryDelay = maxRetryDelay
		}
	}
}

func (q *MQTTTaskQueue) onConnect(c mqtt.Client) {
	c.Subscribe("ddc/+/ocr", 1, q.dispatchOCR)
	c.Subscribe("ddc/+/diff", 1, q.dispatchDiff)
	c.Subscribe("ddc/+/summary", 1, q.dispatchSummary)
}

func (q *MQTTTaskQueue) dispatchOCR(_ mqtt.Client, msg mqtt.Message) {
	var task OCRTask
	if err := json.Unmarshal(msg.Payload(), &task); err != nil {
		log.Printf("orchestrator: malformed ocr task: %v", err)
		return
	}
	q.mu.RLock()
	h := q.ocrHandler
	q.mu.RUnlock()
	if h != nil {
		h(task)
	}
}

func (q *MQTTTaskQueue) dispatchDiff(_ mqtt.Client, msg mqtt.Message) {
	var task DiffTask
	if err := json.Unmarshal(msg.Payload(), &task); err != nil {
		log.Printf("orchestrator: malformed diff task: %v", err)
		return
	}
	q.mu.RLock()
	h := q.diffHandler
	q.mu.RUnlock()
	if h != nil {
		h(task)
	}
}

func (q *MQTTTaskQueue) dispatchSummary(_ mqtt.Client, msg mqtt.Message) {
	var task SummaryTask
	if err := json.Unmarshal(msg.Payload(), &task); err != nil {
		log.Printf("orchestrator: malformed summary task: %v", err)
		return
	}
	q.mu.RLock()
	h := q.sumHandler
	q.mu.RUnlock()
	if h != nil {
		h(task)
	}
}

func (q *MQTTTaskQueue) PublishOCR(ctx context.Context, task OCRTask) error {
	return q.publish(ctx, topicFor(task.JobID, "ocr"), task)
}

func (q *MQTTTaskQueue) PublishDiff(ctx context.Context, task DiffTask) error {
	return q.publish(ctx, topicFor(task.JobID, "diff"), task)
}

func (q *MQTTTaskQueue) PublishSummary(ctx context.Context, task SummaryTask) error {
	return q.publish(ctx, topicFor(task.JobID, "summary"), task)
}

func (q *MQTTTaskQueue) publish(ctx context.Context, topic string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal task for %s: %w", topic, err)
	}
	token := q.client.Publish(topic, 1, false, payload)
	done := make(chan struct{})
	go func() { token.Wait(); close(done) }()
	select {
	case <-done:
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MQTTTaskQueue) OnOCR(h func(OCRTask))         { q.mu.Lock(); q.ocrHandler = h; q.mu.Unlock() }
func (q *MQTTTaskQueue) OnDiff(h func(DiffTask))       { q.mu.Lock(); q.diffHandler = h; q.mu.Unlock() }
func (q *MQTTTaskQueue) OnSummary(h func(SummaryTask)) { q.mu.Lock(); q.sumHandler = h; q.mu.Unlock() }

func (q *MQTTTaskQueue) Close() error {
	q.client.Disconnect(250)
	return nil
}

// WorkerPoolQueue is the in-process fallback used when no broker is
// configured: tasks are dispatched to handlers on goroutines from a fixed
// pool rather than crossing a network boundary. The contract with handlers
// is identical to MQTTTaskQueue.
type WorkerPoolQueue struct {
	work chan func()

	mu          sync.RWMutex
	ocrHandler  func(OCRTask)
	diffHandler func(DiffTask)
	sumHandler  func(SummaryTask)

	wg sync.WaitGroup
}

// NewWorkerPoolQueue starts n worker goroutines pulling from an internal
// task channel.
func NewWorkerPoolQueue(n int) *WorkerPoolQueue {
	if n < 1 {
		n = 1
	}
	q := &WorkerPoolQueue{work: make(chan func(), 256)}
	for i := 0; i < n; i++ {
		q.wg.Add(1)
		go q.runWorker()
	}
	return q
}

func (q *WorkerPoolQueue) runWorker() {
	defer q.wg.Done()
	for fn := range q.work {
		fn()
	}
}

func (q *WorkerPoolQueue) PublishOCR(ctx context.Context, task OCRTask) error {
	q.mu.RLock()
	h := q.ocrHandler
	q.mu.RUnlock()
	return q.enqueue(ctx, func() {
		if h != nil {
			h(task)
		}
	})
}

func (q *WorkerPoolQueue) PublishDiff(ctx context.Context, task DiffTask) error {
	q.mu.RLock()
	h := q.diffHandler
	q.mu.RUnlock()
	return q.enqueue(ctx, func() {
		if h != nil {
			h(task)
		}
	})
}

func (q *WorkerPoolQueue) PublishSummary(ctx context.Context, task SummaryTask) error {
	q.mu.RLock()
	h := q.sumHandler
	q.mu.RUnlock()
	return q.enqueue(ctx, func() {
		if h != nil {
			h(task)
		}
	})
}

func (q *WorkerPoolQueue) enqueue(ctx context.Context, fn func()) error {
	select {
	case q.work <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *WorkerPoolQueue) OnOCR(h func(OCRTask))         { q.mu.Lock(); q.ocrHandler = h; q.mu.Unlock() }
func (q *WorkerPoolQueue) OnDiff(h func(DiffTask))       { q.mu.Lock(); q.diffHandler = h; q.mu.Unlock() }
func (q *WorkerPoolQueue) OnSummary(h func(SummaryTask)) { q.mu.Lock(); q.sumHandler = h; q.mu.Unlock() }

func (q *WorkerPoolQueue) Close() error {
	close(q.work)
	q.wg.Wait()
	return nil
}
