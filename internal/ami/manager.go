package ami

import (
    "bufio"
    "context"
    "fmt"
    "net"
    "strconv"
    "strings"
    "sync"
    "sync/atomic"
    "time"

    "github.com/sendotp/otp-gateway/pkg/logger"
    "github.com/sendotp/otp-gateway/pkg/errors"
)

// Manager handles Asterisk Manager Interface connections used to
// originate outbound PJSIP calls for the voice channel.
type Manager struct {
    config     Config
    conn       net.Conn
    reader     *bufio.Reader
    writer     *bufio.Writer

    mu         sync.RWMutex
    connected  bool
    loggedIn   bool

    // Event handling
    eventChan    chan Event
    eventHandlers map[string][]EventHandler

    // Action handling
    actionID     uint64
    pendingActions map[string]chan Event
    actionMutex   sync.Mutex

    // Connection management
    shutdown      chan struct{}
    reconnectChan chan struct{}
    wg            sync.WaitGroup

    // Metrics
    totalEvents   uint64
    totalActions  uint64
    failedActions uint64
}

// Config holds AMI connection configuration
type Config struct {
    Host              string
    Port              int
    Username          string
    Password          string
    Trunk             string
    ReconnectInterval time.Duration
    PingInterval      time.Duration
    ActionTimeout     time.Duration
    BufferSize        int
}

// Event represents an AMI event
type Event map[string]string

// EventHandler is a function that handles AMI events
type EventHandler func(event Event)

// Action represents an AMI action
type Action struct {
    Action   string
    ActionID string
    Fields   map[string]string
}

// NewManager creates a new AMI manager
func NewManager(config Config) *Manager {
    if config.Port == 0 {
        config.Port = 5038
    }
    if config.ReconnectInterval == 0 {
        config.ReconnectInterval = 5 * time.Second
    }
    if config.PingInterval == 0 {
        config.PingInterval = 30 * time.Second
    }
    if config.ActionTimeout == 0 {
        config.ActionTimeout = 10 * time.Second
    }
    if config.BufferSize == 0 {
        config.BufferSize = 1000
    }

    return &Manager{
        config:         config,
        eventChan:      make(chan Event, config.BufferSize),
        eventHandlers:  make(map[string][]EventHandler),
        pendingActions: make(map[string]chan Event),
        shutdown:       make(chan struct{}),
        reconnectChan:  make(chan struct{}, 1),
    }
}

// Connect establishes connection to AMI
func (m *Manager) Connect(ctx context.Context) error {
    m.mu.Lock()
    defer m.mu.Unlock()

    if m.connected {
        return nil
    }

    addr := fmt.Sprintf("%s:%d", m.config.Host, m.config.Port)
    logger.WithField("addr", addr).Info("connecting to asterisk ami")

    dialer := net.Dialer{
        Timeout: 10 * time.Second,
    }

    conn, err := dialer.DialContext(ctx, "tcp", addr)
    if err != nil {
        return errors.Wrap(err, errors.ErrARIDisconnected, "failed to connect to ami")
    }

    m.conn = conn
    m.reader = bufio.NewReader(conn)
    m.writer = bufio.NewWriter(conn)

    banner, err := m.reader.ReadString('\n')
    if err != nil {
        conn.Close()
        return errors.Wrap(err, errors.ErrARIDisconnected, "failed to read ami banner")
    }

    if !strings.Contains(banner, "Asterisk Call Manager") {
        conn.Close()
        return errors.New(errors.ErrARIDisconnected, fmt.Sprintf("invalid ami banner: %s", banner))
    }

    m.connected = true

    if err := m.login(); err != nil {
        m.Close()
        return err
    }

    m.wg.Add(1)
    go m.eventReader()

    m.wg.Add(1)
    go m.pingLoop()

    m.wg.Add(1)
    go m.reconnectHandler()

    logger.Info("connected to asterisk ami")

    return nil
}

// Close closes the AMI connection
func (m *Manager) Close() {
    m.mu.Lock()
    defer m.mu.Unlock()

    if !m.connected {
        return
    }

    close(m.shutdown)

    if m.conn != nil {
        m.conn.Close()
    }

    m.connected = false
    m.loggedIn = false

    done := make(chan struct{})
    go func() {
        m.wg.Wait()
        close(done)
    }()

    select {
    case <-done:
        logger.Info("ami manager closed gracefully")
    case <-time.After(5 * time.Second):
        logger.Warn("ami manager close timeout")
    }
}

func (m *Manager) login() error {
    action := Action{
        Action: "Login",
        Fields: map[string]string{
            "Username": m.config.Username,
            "Secret":   m.config.Password,
        },
    }

    response, err := m.SendAction(action)
    if err != nil {
        return errors.Wrap(err, errors.ErrARIDisconnected, "ami login failed")
    }

    if response["Response"] != "Success" {
        return errors.New(errors.ErrARIDisconnected, "ami login rejected")
    }

    m.mu.Lock()
    m.loggedIn = true
    m.mu.Unlock()

    return nil
}

// SendAction sends an AMI action and waits for its correlated response.
func (m *Manager) SendAction(action Action) (Event, error) {
    m.mu.RLock()
    if !m.connected || !m.loggedIn {
        m.mu.RUnlock()
        return nil, errors.New(errors.ErrARIDisconnected, "not connected to ami")
    }
    m.mu.RUnlock()

    actionID := fmt.Sprintf("%d", atomic.AddUint64(&m.actionID, 1))
    action.ActionID = actionID

    responseChan := make(chan Event, 1)

    m.actionMutex.Lock()
    m.pendingActions[actionID] = responseChan
    m.actionMutex.Unlock()

    defer func() {
        m.actionMutex.Lock()
        delete(m.pendingActions, actionID)
        m.actionMutex.Unlock()
    }()

    var lines []string
    lines = append(lines, fmt.Sprintf("Action: %s", action.Action))
    lines = append(lines, fmt.Sprintf("ActionID: %s", actionID))

    for key, value := range action.Fields {
        lines = append(lines, fmt.Sprintf("%s: %s", key, value))
    }

    lines = append(lines, "")

    actionStr := strings.Join(lines, "\r\n")
    if _, err := m.writer.WriteString(actionStr); err != nil {
        return nil, errors.Wrap(err, errors.ErrARIDisconnected, "failed to write ami action")
    }

    if err := m.writer.Flush(); err != nil {
        return nil, errors.Wrap(err, errors.ErrARIDisconnected, "failed to flush ami action")
    }

    atomic.AddUint64(&m.totalActions, 1)

    select {
    case response := <-responseChan:
        return response, nil
    case <-time.After(m.config.ActionTimeout):
        atomic.AddUint64(&m.failedActions, 1)
        return nil, errors.New(errors.ErrARIDisconnected, "ami action timeout")
    }
}

func (m *Manager) eventReader() {
    defer m.wg.Done()

    for {
        select {
        case <-m.shutdown:
            return
        default:
            event, err := m.readEvent()
            if err != nil {
                if !strings.Contains(err.Error(), "use of closed network connection") {
                    logger.WithField("error", err.Error()).Error("failed to read ami event")
                }

                select {
                case m.reconnectChan <- struct{}{}:
                default:
                }
                return
            }

            if event != nil {
                atomic.AddUint64(&m.totalEvents, 1)

                if actionID, ok := event["ActionID"]; ok {
                    m.actionMutex.Lock()
                    if ch, exists := m.pendingActions[actionID]; exists {
                        select {
                        case ch <- event:
                        default:
                        }
                    }
                    m.actionMutex.Unlock()
                }

                m.dispatchEvent(event)

                select {
                case m.eventChan <- event:
                case <-time.After(1 * time.Second):
                    logger.Warn("ami event channel full, dropping event")
                }
            }
        }
    }
}

func (m *Manager) dispatchEvent(event Event) {
    eventType := event["Event"]
    m.mu.RLock()
    handlers := append([]EventHandler(nil), m.eventHandlers[eventType]...)
    m.mu.RUnlock()
    for _, h := range handlers {
        h(event)
    }
}

func (m *Manager) readEvent() (Event, error) {
    event := make(Event)

    for {
        line, err := m.reader.ReadString('\n')
        if err != nil {
            return nil, err
        }

        line = strings.TrimSpace(line)

        if line == "" {
            if len(event) > 0 {
                return event, nil
            }
            continue
        }

        parts := strings.SplitN(line, ":", 2)
        if len(parts) == 2 {
            key := strings.TrimSpace(parts[0])
            value := strings.TrimSpace(parts[1])
            event[key] = value
        }
    }
}

func (m *Manager) pingLoop() {
    defer m.wg.Done()

    ticker := time.NewTicker(m.config.PingInterval)
    defer ticker.Stop()

    for {
        select {
        case <-m.shutdown:
            return
        case <-ticker.C:
            action := Action{Action: "Ping"}
            if _, err := m.SendAction(action); err != nil {
                logger.WithField("error", err.Error()).Warn("ami ping failed")
            }
        }
    }
}

func (m *Manager) reconnectHandler() {
    defer m.wg.Done()

    for {
        select {
        case <-m.shutdown:
            return
        case <-m.reconnectChan:
            logger.Info("ami reconnection triggered")

            m.mu.Lock()
            m.connected = false
            m.loggedIn = false
            if m.conn != nil {
                m.conn.Close()
            }
            m.mu.Unlock()

            time.Sleep(m.config.ReconnectInterval)

            ctx := context.Background()
            if err := m.Connect(ctx); err != nil {
                logger.WithField("error", err.Error()).Error("ami reconnection failed")

                select {
                case m.reconnectChan <- struct{}{}:
                default:
                }
            }
        }
    }
}

// Originate instructs Asterisk to place an outbound PJSIP call over the
// configured trunk, with callerID in the action's CallerID field. No
// P-Asserted-Identity header variable is added. variables are passed through as PJSIP channel variables (e.g. the
// request id, so the dialplan can correlate AGI/AMI events back to it).
func (m *Manager) Originate(destination, callerID string, variables map[string]string) (string, error) {
    var varParts []string
    for k, v := range variables {
        varParts = append(varParts, fmt.Sprintf("%s=%s", k, v))
    }

    action := Action{
        Action: "Originate",
        Fields: map[string]string{
            "Channel":      fmt.Sprintf("PJSIP/%s@%s", destination, m.config.Trunk),
            "CallerID":     callerID,
            "Exten":        destination,
            "Context":      "otp-gateway-originate",
            "Priority":     "1",
            "Async":        "true",
            "Variable":     strings.Join(varParts, ","),
            "Timeout":      strconv.Itoa(int(m.config.ActionTimeout.Milliseconds())),
        },
    }

    response, err := m.SendAction(action)
    if err != nil {
        return "", err
    }
    if response["Response"] != "Success" {
        return "", errors.New(errors.ErrCallFailed, "originate rejected: "+response["Message"])
    }

    return response["Uniqueid"], nil
}

// HangupChannel hangs up an active channel.
func (m *Manager) HangupChannel(channel string, cause int) error {
    action := Action{
        Action: "Hangup",
        Fields: map[string]string{
            "Channel": channel,
            "Cause":   fmt.Sprintf("%d", cause),
        },
    }

    response, err := m.SendAction(action)
    if err != nil {
        return err
    }

    if response["Response"] != "Success" {
        return errors.New(errors.ErrInternal, "failed to hangup channel")
    }

    return nil
}

// RegisterEventHandler registers a handler invoked synchronously from the
// event reader goroutine for every event of the given type.
func (m *Manager) RegisterEventHandler(eventType string, handler EventHandler) {
    m.mu.Lock()
    defer m.mu.Unlock()

    m.eventHandlers[eventType] = append(m.eventHandlers[eventType], handler)
}

// GetStats returns AMI statistics
func (m *Manager) GetStats() map[string]interface{} {
    return map[string]interface{}{
        "total_events":   atomic.LoadUint64(&m.totalEvents),
        "total_actions":  atomic.LoadUint64(&m.totalActions),
        "failed_actions": atomic.LoadUint64(&m.failedActions),
        "connected":      m.IsConnected(),
        "logged_in":      m.IsLoggedIn(),
    }
}

// IsConnected returns connection status
func (m *Manager) IsConnected() bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.connected
}

// IsLoggedIn returns login status
func (m *Manager) IsLoggedIn() bool {
    m.mu.RLock()
    defer m.mu.RUnlock()
    return m.loggedIn
}
