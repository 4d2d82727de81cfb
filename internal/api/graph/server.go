package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/model"
	"github.com/lvdashuaibi/farepass/internal/repository"
	"github.com/lvdashuaibi/farepass/internal/ticket"
)

// Tickets API用到的票据服务接口
type Tickets interface {
	Issue(ctx context.Context, holderID, tripID string) (*model.Issued, error)
	Redeem(ctx context.Context, credential, validatorID string) (*model.RedeemResult, error)
	ConfirmCashPayment(ctx context.Context, ticketID int64, validatorID string) (*model.Ticket, error)
	Ticket(ctx context.Context, ticketID int64) (*model.Ticket, error)
	HolderTickets(ctx context.Context, holderID string) ([]*model.Ticket, error)
	ValidatorTickets(ctx context.Context, validatorID string) ([]*model.Ticket, model.ValidatorStats, error)
	TicketQR(ctx context.Context, ticketID int64, holderID string) ([]byte, error)
}

var _ Tickets = (*ticket.TicketService)(nil)

const schemaString = `
type Ticket {
  id: ID!
  holderId: String!
  tripId: String!
  issuedAt: String!
  expiresAt: String!
  isValidated: Boolean!
  validatedBy: String
  validatedAt: String
  isExpired: Boolean!
  expiredAt: String
  isPaid: Boolean!
  paidAt: String
}

type IssuedTicket {
  ticket: Ticket!
  credential: String!
  # PNG data URL
  qrCode: String!
}

type RedeemResult {
  outcome: String!
  message: String!
  retryable: Boolean!
  ticket: Ticket
  usedBy: String
  usedAt: String
  paymentRequired: Boolean!
}

type ValidatorStats {
  totalValidated: Int!
  paidElectronic: Int!
  cashPending: Int!
}

type ValidatorTickets {
  tickets: [Ticket!]!
  stats: ValidatorStats!
}

type Query {
  ticket(id: ID!): Ticket
  holderTickets(holderId: String!): [Ticket!]!
  validatorTickets(validatorId: String!): ValidatorTickets!
}

type Mutation {
  issueTicket(holderId: String!, tripId: String!): IssuedTicket!
  redeemTicket(credential: String!, validatorId: String!): RedeemResult!
  confirmCashPayment(ticketId: ID!, validatorId: String!): Ticket!
}

schema {
  query: Query
  mutation: Mutation
}
`

// Server HTTP服务, 提供GraphQL接口和二维码图片
type Server struct {
	engine *gin.Engine
	srv    *http.Server
	logger *zap.Logger
}

func NewServer(tickets Tickets, cfg *config.Config, logger *zap.Logger) *Server {
	schema := graphql.MustParseSchema(schemaString, NewResolver(tickets, logger))

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(logger))
	if len(cfg.Server.AllowedOrigins) == 0 {
		engine.Use(cors.Default())
	} else {
		cc := cors.DefaultConfig()
		cc.AllowOrigins = cfg.Server.AllowedOrigins
		engine.Use(cors.New(cc))
	}

	engine.POST(cfg.GraphQL.Path, gin.WrapH(&relay.Handler{Schema: schema}))
	engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(playgroundHTML(cfg.GraphQL.Path)))
	})
	engine.GET("/tickets/:id/qr.png", qrHandler(tickets, logger))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return &Server{
		engine: engine,
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           engine,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start 启动HTTP服务器并阻塞, Shutdown 之后返回nil
func (s *Server) Start() error {
	s.logger.Info("http server listening", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

// qrHandler 票据可用时重新生成持票人的二维码
func qrHandler(tickets Tickets, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := strconv.ParseInt(c.Param("id"), 10, 64)
		holderID := c.Query("holder_id")
		if err != nil || holderID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ticket id and holder_id are required"})
			return
		}

		img, err := tickets.TicketQR(c.Request.Context(), id, holderID)
		switch {
		case errors.Is(err, repository.ErrTicketNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "ticket not found"})
		case errors.Is(err, ticket.ErrTicketClosed):
			c.JSON(http.StatusGone, gin.H{"error": err.Error()})
		case err != nil:
			logger.Error("render ticket qr", zap.Int64("ticket_id", id), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		default:
			c.Header("Cache-Control", "no-store")
			c.Data(http.StatusOK, "image/png", img)
		}
	}
}

func playgroundHTML(endpoint string) string {
	return `<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>farepass GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function () {
      GraphQLPlayground.init(document.getElementById('root'), { endpoint: '` + endpoint + `' })
    })</script>
</body>
</html>
`
}
