package services

import (
	"net/http"
	"sync/atomic"
	"time"

	"opsboard/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// QueueFeedMessage is the wire frame pushed to queue subscribers. Every
// frame carries a full ordered snapshot of the org's open queue, so a
// subscriber that connects late or drops a frame still converges.
type QueueFeedMessage struct {
	Type      string        `json:"type"`
	OrgID     string        `json:"org_id"`
	Tasks     []models.Task `json:"tasks"`
	Timestamp time.Time     `json:"timestamp"`
}

type QueueFeedClient struct {
	ID    string
	OrgID string
	Conn  *websocket.Conn
	Send  chan QueueFeedMessage
	Hub   *QueueFeedHub
}

// QueueFeedHub fans queue changes out to websocket subscribers, one
// subscription scope per org.
type QueueFeedHub struct {
	db          *gorm.DB
	logger      *logrus.Logger
	clients     map[string]*QueueFeedClient
	clientCount int64 // updated on the Run goroutine, read anywhere
	broadcast   chan QueueFeedMessage
	register    chan *QueueFeedClient
	unregister  chan *QueueFeedClient
	notify      chan string
}

var feedUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func NewQueueFeedHub(db *gorm.DB, logger *logrus.Logger) *QueueFeedHub {
	if logger == nil {
		logger = logrus.New()
	}
	return &QueueFeedHub{
		db:         db,
		logger:     logger,
		clients:    make(map[string]*QueueFeedClient),
		broadcast:  make(chan QueueFeedMessage),
		register:   make(chan *QueueFeedClient),
		unregister: make(chan *QueueFeedClient),
		notify:     make(chan string, 64),
	}
}

// Run owns the client map. All map access happens on this goroutine.
func (h *QueueFeedHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.clients[client.ID] = client
			atomic.StoreInt64(&h.clientCount, int64(len(h.clients)))
			h.logger.Infof("queue feed: client %s subscribed to org %s", client.ID, client.OrgID)
			// Initial snapshot so the subscriber starts from current state.
			if msg, err := h.snapshotMessage(client.OrgID); err == nil {
				select {
				case client.Send <- msg:
				default:
				}
			}

		case client := <-h.unregister:
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				atomic.StoreInt64(&h.clientCount, int64(len(h.clients)))
				close(client.Send)
				h.logger.Infof("queue feed: client %s disconnected", client.ID)
			}

		case orgID := <-h.notify:
			msg, err := h.snapshotMessage(orgID)
			if err != nil {
				h.logger.Warnf("queue feed: snapshot for org %s failed: %v", orgID, err)
				continue
			}
			h.fanOut(msg)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *QueueFeedHub) fanOut(message QueueFeedMessage) {
	for _, client := range h.clients {
		if message.OrgID != "" && client.OrgID != message.OrgID {
			continue
		}
		select {
		case client.Send <- message:
		default:
			close(client.Send)
			delete(h.clients, client.ID)
		}
	}
	atomic.StoreInt64(&h.clientCount, int64(len(h.clients)))
}

// NotifyOrg signals that the org's queue changed. Non-blocking: a full
// notify channel drops the signal, which is safe because every push is a
// complete snapshot and another change will follow.
func (h *QueueFeedHub) NotifyOrg(orgID string) {
	if orgID == "" {
		return
	}
	select {
	case h.notify <- orgID:
	default:
	}
}

// snapshotMessage re-queries the org's open queue in queue order.
func (h *QueueFeedHub) snapshotMessage(orgID string) (QueueFeedMessage, error) {
	var tasks []models.Task
	err := h.db.
		Where("org_id = ? AND status IN ?", orgID,
			[]string{models.TaskStatusPending, models.TaskStatusInProgress, models.TaskStatusBlocked}).
		Order("priority ASC, created_at ASC").
		Limit(200).
		Find(&tasks).Error
	if err != nil {
		return QueueFeedMessage{}, err
	}
	return QueueFeedMessage{
		Type:      "queue-snapshot",
		OrgID:     orgID,
		Tasks:     tasks,
		Timestamp: time.Now(),
	}, nil
}

// HandleWebSocket upgrades the request and registers the subscriber. The
// org scope comes from the org_id query parameter.
func (h *QueueFeedHub) HandleWebSocket(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "org_id is required"})
		return
	}

	conn, err := feedUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Errorf("queue feed: websocket upgrade failed: %v", err)
		return
	}

	client := &QueueFeedClient{
		ID:    uuid.New().String(),
		OrgID: orgID,
		Conn:  conn,
		Send:  make(chan QueueFeedMessage, 16),
		Hub:   h,
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// GetClientCount reports subscribers for the health endpoint.
func (h *QueueFeedHub) GetClientCount() int {
	return int(atomic.LoadInt64(&h.clientCount))
}

func (c *QueueFeedClient) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// The feed is push-only. Reads exist to surface pongs and closes.
	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.Hub.logger.Errorf("queue feed: read error: %v", err)
			}
			break
		}
	}
}

func (c *QueueFeedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteJSON(message); err != nil {
				c.Hub.logger.Errorf("queue feed: write error: %v", err)
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
