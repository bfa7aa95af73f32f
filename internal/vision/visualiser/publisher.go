package visualiser

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"

	"github.com/banshee-data/blipsfm/internal/vision/l5recon"
)

// Config holds configuration for the visualiser gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50061")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client queue depth before steps are dropped
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   5,
		ClientBuffer: 10,
	}
}

const queueSize = 100

// Publisher manages the gRPC server and step streaming.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener

	// Step broadcasting
	stepChan  chan *StepFrame
	clients   map[string]*clientStream
	clientsMu sync.RWMutex
	nextID    atomic.Uint64

	// Stats
	stepCount     atomic.Uint64
	clientCount   atomic.Int32
	droppedSteps  atomic.Uint64
	lastStatsTime time.Time
	lastStepCount uint64
	lastStatsMu   sync.Mutex

	// Lifecycle
	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// clientStream represents a connected streaming client.
type clientStream struct {
	id            string
	includePoints bool
	stepCh        chan *StepFrame
	doneCh        chan struct{}
}

// NewPublisher creates a new Publisher with the given configuration.
func NewPublisher(cfg Config) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = DefaultConfig().ClientBuffer
	}
	return &Publisher{
		config:   cfg,
		stepChan: make(chan *StepFrame, queueSize),
		clients:  make(map[string]*clientStream),
		stopCh:   make(chan struct{}),
	}
}

// Start binds ListenAddr and starts the gRPC server.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Printf("[Visualiser] Bound to %s", lis.Addr())
	return p.Serve(lis)
}

// Serve starts the gRPC server on an existing listener. The Visualiser
// service is registered before serving begins.
func (p *Publisher) Serve(lis net.Listener) error {
	if p.running.Load() {
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis

	// Dense clouds with every point streamed can exceed the 4MB default.
	const maxMsgSize = 16 * 1024 * 1024
	p.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMsgSize),
		grpc.MaxSendMsgSize(maxMsgSize),
	)
	RegisterVisualiserServer(p.server, NewServer(p))

	p.running.Store(true)

	p.wg.Add(1)
	go p.broadcastLoop()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		log.Printf("[Visualiser] gRPC server listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			log.Printf("[Visualiser] gRPC server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully stops the gRPC server. Open streams end when the
// publisher closes.
func (p *Publisher) Stop() {
	if !p.running.Load() {
		return
	}
	p.running.Store(false)
	close(p.stopCh)

	if p.server != nil {
		p.server.GracefulStop()
	}
	if p.listener != nil {
		p.listener.Close()
	}

	p.wg.Wait()
	log.Printf("[Visualiser] gRPC server stopped")
}

// Publish queues a step for every connected client. Steps are dropped when
// the queue is full.
func (p *Publisher) Publish(runID string, res *l5recon.StepResult) {
	if !p.running.Load() || res == nil {
		return
	}

	frame := FrameFromResult(runID, res)
	frame.Seq = p.stepCount.Add(1)

	queueDepth := len(p.stepChan)
	if queueDepth > queueSize/2 {
		log.Printf("[Visualiser] WARNING: step queue depth high: %d/%d", queueDepth, queueSize)
	}

	select {
	case p.stepChan <- frame:
		p.logPeriodicStats(frame.Seq, len(frame.Points), queueDepth)
	default:
		dropped := p.droppedSteps.Add(1)
		log.Printf("[Visualiser] DROPPED step %d (total dropped: %d), channel full, points=%d",
			frame.FrameIndex, dropped, len(frame.Points))
	}
}

// HandleStep publishes a step. It never fails; slow viewers lose steps
// instead of stalling the pipeline.
func (p *Publisher) HandleStep(runID string, res *l5recon.StepResult) error {
	p.Publish(runID, res)
	return nil
}

// logPeriodicStats logs throughput every 5 seconds.
func (p *Publisher) logPeriodicStats(count uint64, pointCount, queueDepth int) {
	p.lastStatsMu.Lock()
	defer p.lastStatsMu.Unlock()

	now := time.Now()
	if p.lastStatsTime.IsZero() {
		p.lastStatsTime = now
		p.lastStepCount = count
		return
	}

	elapsed := now.Sub(p.lastStatsTime)
	if elapsed >= 5*time.Second {
		steps := count - p.lastStepCount
		log.Printf("[Visualiser] Stats: steps/s=%.1f steps=%d dropped=%d clients=%d queue=%d/%d last_step: points=%d",
			float64(steps)/elapsed.Seconds(), steps, p.droppedSteps.Load(), p.clientCount.Load(),
			queueDepth, queueSize, pointCount)
		p.lastStatsTime = now
		p.lastStepCount = count
	}
}

// broadcastLoop distributes steps to all connected clients.
func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case frame := <-p.stepChan:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.stepCh <- frame:
				default:
					// Slow client: drop for this client only.
					p.droppedSteps.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

// addClient registers a new streaming client. It fails once MaxClients
// streams are open.
func (p *Publisher) addClient(includePoints bool) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()

	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, fmt.Errorf("client limit %d reached", p.config.MaxClients)
	}

	client := &clientStream{
		id:            fmt.Sprintf("grpc-%d", p.nextID.Add(1)),
		includePoints: includePoints,
		stepCh:        make(chan *StepFrame, p.config.ClientBuffer),
		doneCh:        make(chan struct{}),
	}
	p.clients[client.id] = client
	p.clientCount.Add(1)
	log.Printf("[Visualiser] Client connected: %s points=%v (total: %d)", client.id, includePoints, p.clientCount.Load())
	return client, nil
}

// removeClient unregisters a streaming client.
func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	client, ok := p.clients[id]
	if ok {
		close(client.doneCh)
		delete(p.clients, id)
	}
	p.clientsMu.Unlock()

	if ok {
		p.clientCount.Add(-1)
		log.Printf("[Visualiser] Client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		StepCount:    p.stepCount.Load(),
		DroppedSteps: p.droppedSteps.Load(),
		ClientCount:  p.clientCount.Load(),
		Running:      p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	StepCount    uint64
	DroppedSteps uint64
	ClientCount  int32
	Running      bool
}

// Addr returns the bound listener address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}
