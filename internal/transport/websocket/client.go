package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler 链路事件回调。所有回调在客户端内部协程中串行调用,
// 实现方不得在回调中阻塞等待本客户端的写入完成。
type Handler interface {
	// HandleFrame 收到一条文本帧
	HandleFrame(data []byte)
	// HandleConnected 连接建立, reconnected指示是否为断线重连
	HandleConnected(reconnected bool)
	// HandleDisconnected 连接断开
	HandleDisconnected(err error)
}

// Config WebSocket客户端配置
type Config struct {
	URL         string `json:"url"`
	Subprotocol string `json:"subprotocol"`
	BearerToken string `json:"bearer_token"`

	DialTimeout    time.Duration `json:"dial_timeout"`
	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	PingInterval   time.Duration `json:"ping_interval"`
	MaxMessageSize int64         `json:"max_message_size"`

	BackoffInitial time.Duration `json:"backoff_initial"`
	BackoffMax     time.Duration `json:"backoff_max"`

	QueueSize int `json:"queue_size"`
}

// DefaultConfig 默认配置
func DefaultConfig() Config {
	return Config{
		URL:            "ws://localhost:8080/ocpp",
		Subprotocol:    "ocpp1.6",
		DialTimeout:    10 * time.Second,
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		PingInterval:   30 * time.Second,
		MaxMessageSize: 1024 * 1024,
		BackoffInitial: 1 * time.Second,
		BackoffMax:     30 * time.Second,
		QueueSize:      256,
	}
}

// 客户端错误
var (
	// ErrAlreadyConnected 客户端已在运行
	ErrAlreadyConnected = errors.New("client already connected")
	// ErrNotConnected 客户端未运行
	ErrNotConnected = errors.New("client not connected")
)

// Client 面向CSMS的WebSocket客户端, 每个会话持有一个。拨号地址为
// {url}/{chargePointId}, 子协议ocpp1.6。断线后按指数退避自动重连,
// 发送经由有界队列, 读写各一个协程。
type Client struct {
	config        Config
	chargePointID string
	handler       Handler
	queue         *SendQueue
	notify        chan struct{}
	tracker       *linkTracker
	logger        zerolog.Logger

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewClient 创建客户端
func NewClient(config Config, chargePointID string, handler Handler, logger zerolog.Logger) *Client {
	if config.DialTimeout <= 0 {
		config.DialTimeout = 10 * time.Second
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 60 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 30 * time.Second
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = 1024 * 1024
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = 1 * time.Second
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 30 * time.Second
	}

	return &Client{
		config:        config,
		chargePointID: chargePointID,
		handler:       handler,
		queue:         NewSendQueue(config.QueueSize),
		notify:        make(chan struct{}, 1),
		tracker:       newLinkTracker(),
		logger:        logger.With().Str("component", "ws_client").Str("charge_point_id", chargePointID).Logger(),
	}
}

// Connect 建立连接并启动收发协程。首次拨号失败时直接返回错误,
// 连接建立后的断线由内部重连循环处理。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	c.tracker.setState(LinkStateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		c.tracker.setState(LinkStateIdle)
		c.mu.Unlock()
		return err
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.started = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.run(conn)
	return nil
}

// Disconnect 关闭连接并停止所有协程, 可重复调用。关闭后允许再次Connect。
func (c *Client) Disconnect() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.cancel()
	c.mu.Unlock()

	c.wg.Wait()

	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
}

// Enqueue 帧入队并唤醒写协程, 返回帧是否被接受
func (c *Client) Enqueue(frame OutboundFrame) bool {
	accepted := c.queue.Push(frame)
	if accepted {
		c.kick()
	}
	return accepted
}

// ClearQueue 清空发送队列, 返回清除的帧数
func (c *Client) ClearQueue() int {
	return c.queue.Clear()
}

// QueueLen 当前发送队列长度
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// State 当前链路状态
func (c *Client) State() LinkState {
	return c.tracker.State()
}

// Stats 链路统计快照
func (c *Client) Stats() LinkStats {
	stats := c.tracker.snapshot()
	stats.QueueLen = c.queue.Len()
	stats.DroppedFrames = c.queue.DroppedMeterValues()
	return stats
}

// kick 唤醒写协程, 已有待处理信号时不重复
func (c *Client) kick() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// dial 拨号CSMS, 地址为{url}/{chargePointId}
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint := strings.TrimSuffix(c.config.URL, "/") + "/" + c.chargePointID

	dialer := websocket.Dialer{
		HandshakeTimeout: c.config.DialTimeout,
		Subprotocols:     []string{c.config.Subprotocol},
	}

	header := http.Header{}
	if c.config.BearerToken != "" {
		header.Set("Authorization", "Bearer "+c.config.BearerToken)
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s failed with status %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s failed: %w", endpoint, err)
	}

	if negotiated := conn.Subprotocol(); negotiated != c.config.Subprotocol {
		c.logger.Warn().
			Str("requested", c.config.Subprotocol).
			Str("negotiated", negotiated).
			Msg("Subprotocol mismatch")
	}
	return conn, nil
}

// run 连接生命周期主循环: 收发直到断开, 然后退避重连
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	reconnected := false
	for {
		c.tracker.setState(LinkStateConnected)
		if reconnected {
			c.tracker.recordReconnect()
		}
		c.logger.Info().Bool("reconnected", reconnected).Msg("Connected to CSMS")
		c.handler.HandleConnected(reconnected)

		// 重连前排队的帧需要唤醒写协程
		if c.queue.Len() > 0 {
			c.kick()
		}

		err := c.pump(conn)
		c.handler.HandleDisconnected(err)

		if c.ctx.Err() != nil {
			c.tracker.setState(LinkStateClosed)
			c.logger.Info().Msg("Client closed")
			return
		}

		c.tracker.setState(LinkStateReconnecting)
		c.logger.Warn().Err(err).Msg("Connection lost, reconnecting")

		conn = c.redial()
		if conn == nil {
			c.tracker.setState(LinkStateClosed)
			return
		}
		reconnected = true
	}
}

// pump 驱动单条连接的收发, 任一方向出错即返回
func (c *Client) pump(conn *websocket.Conn) error {
	stop := make(chan struct{})
	writerErr := make(chan error, 1)
	go c.writePump(conn, stop, writerErr)

	readErr := c.readPump(conn)
	close(stop)
	conn.Close()

	select {
	case err := <-writerErr:
		if err != nil {
			return err
		}
	default:
	}
	return readErr
}

// readPump 读协程, 在pump调用方协程中同步运行
func (c *Client) readPump(conn *websocket.Conn) error {
	conn.SetReadLimit(c.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return nil
	})

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		if messageType != websocket.TextMessage {
			continue
		}
		c.tracker.recordReceived(len(data))
		c.handler.HandleFrame(data)
	}
}

// writePump 写协程, 统一处理队列帧、ping和关闭握手
func (c *Client) writePump(conn *websocket.Conn, stop <-chan struct{}, done chan<- error) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			conn.Close()
			done <- nil
			return

		case <-stop:
			done <- nil
			return

		case <-c.notify:
			if err := c.drainQueue(conn); err != nil {
				conn.Close()
				done <- err
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				conn.Close()
				done <- err
				return
			}
		}
	}
}

// drainQueue 发空当前队列
func (c *Client) drainQueue(conn *websocket.Conn) error {
	for {
		frame, ok := c.queue.Pop()
		if !ok {
			return nil
		}

		conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame.Data); err != nil {
			return fmt.Errorf("write %s frame: %w", frame.Action, err)
		}
		c.tracker.recordSent(len(frame.Data))
	}
}

// redial 按指数退避重连, 客户端关闭时返回nil
func (c *Client) redial() *websocket.Conn {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.BackoffInitial
	bo.MaxInterval = c.config.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxElapsedTime = 0
	bo.Reset()

	for {
		wait := bo.NextBackOff()
		select {
		case <-c.ctx.Done():
			return nil
		case <-time.After(wait):
		}

		conn, err := c.dial(c.ctx)
		if err == nil {
			return conn
		}
		c.logger.Warn().Err(err).Dur("waited", wait).Msg("Redial failed")
	}
}
