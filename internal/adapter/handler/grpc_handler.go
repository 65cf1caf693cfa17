package handler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rl1809/product-catalog/internal/core/domain"
	"github.com/rl1809/product-catalog/internal/core/service"
)

const (
	orderServiceName      = "catalog.v1.OrderService"
	createOrderFullMethod = "/" + orderServiceName + "/CreateOrder"
	getOrderFullMethod    = "/" + orderServiceName + "/GetOrder"
)

type OrderLineMessage struct {
	ProductID string `json:"product_id"`
	Quantity  int32  `json:"quantity"`
}

type CreateOrderMessage struct {
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
	Items          []OrderLineMessage `json:"items"`
}

type GetOrderMessage struct {
	OrderID string `json:"order_id"`
}

type OrderItemMessage struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int32           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

type OrderMessage struct {
	ID        string             `json:"id"`
	CreatedAt time.Time          `json:"created_at"`
	Items     []OrderItemMessage `json:"items"`
	Total     decimal.Decimal    `json:"total"`
}

// OrderServiceServer is the server API of catalog.v1.OrderService.
type OrderServiceServer interface {
	CreateOrder(context.Context, *CreateOrderMessage) (*OrderMessage, error)
	GetOrder(context.Context, *GetOrderMessage) (*OrderMessage, error)
}

var orderServiceDesc = grpc.ServiceDesc{
	ServiceName: orderServiceName,
	HandlerType: (*OrderServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CreateOrder", Handler: createOrderHandler},
		{MethodName: "GetOrder", Handler: getOrderHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "catalog/v1/order_service",
}

func RegisterOrderServiceServer(s grpc.ServiceRegistrar, srv OrderServiceServer) {
	s.RegisterService(&orderServiceDesc, srv)
}

func createOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CreateOrderMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).CreateOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: createOrderFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderServiceServer).CreateOrder(ctx, req.(*CreateOrderMessage))
	}
	return interceptor(ctx, in, info, handler)
}

func getOrderHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetOrderMessage)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(OrderServiceServer).GetOrder(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getOrderFullMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(OrderServiceServer).GetOrder(ctx, req.(*GetOrderMessage))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCHandler struct {
	orderService *service.OrderService
}

func NewGRPCHandler(orderService *service.OrderService) *GRPCHandler {
	return &GRPCHandler{orderService: orderService}
}

func (h *GRPCHandler) CreateOrder(ctx context.Context, req *CreateOrderMessage) (*OrderMessage, error) {
	lines := make([]domain.OrderLine, 0, len(req.Items))
	for i, item := range req.Items {
		productID := item.ProductID
		// an empty id is left to the service, which reports it per line
		if productID != "" {
			id, err := canonicalID(productID)
			if err != nil {
				return nil, status.Errorf(codes.InvalidArgument, "order line %d: invalid product id %q", i, item.ProductID)
			}
			productID = id
		}
		lines = append(lines, domain.OrderLine{ProductID: productID, Quantity: int(item.Quantity)})
	}

	order, err := h.orderService.CreateOrder(ctx, service.CreateOrderRequest{
		IdempotencyKey: req.IdempotencyKey,
		Lines:          lines,
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return toOrderMessage(order), nil
}

func (h *GRPCHandler) GetOrder(ctx context.Context, req *GetOrderMessage) (*OrderMessage, error) {
	orderID, err := canonicalID(req.OrderID)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid order id %q", req.OrderID)
	}

	order, err := h.orderService.GetOrder(ctx, orderID)
	if err != nil {
		return nil, toStatus(err)
	}
	return toOrderMessage(order), nil
}

// canonicalID accepts any form uuid.Parse understands (upper case, braces,
// urn:uuid:) and returns the lower-case hyphenated form the stores key on.
func canonicalID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrEmptyOrder), errors.Is(err, domain.ErrTooManyOrderLines), errors.Is(err, domain.ErrInvalidOrderLine):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, domain.ErrProductNotFound), errors.Is(err, domain.ErrOrderNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInsufficientStock):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, domain.ErrConcurrentModification):
		return status.Error(codes.Aborted, "concurrent modification, retry the request")
	case errors.Is(err, domain.ErrDuplicateRequest):
		return status.Error(codes.AlreadyExists, "a request with this idempotency key is in progress")
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, "internal error")
	}
}

func toOrderMessage(o domain.Order) *OrderMessage {
	msg := &OrderMessage{
		ID:        o.ID,
		CreatedAt: o.CreatedAt,
		Items:     make([]OrderItemMessage, 0, len(o.Items)),
		Total:     o.Total(),
	}
	for _, item := range o.Items {
		msg.Items = append(msg.Items, OrderItemMessage{
			ID:          item.ID,
			ProductID:   item.ProductID,
			ProductName: item.ProductName,
			Quantity:    int32(item.Quantity),
			UnitPrice:   item.UnitPrice,
		})
	}
	return msg
}

// LoggingInterceptor logs every unary call with its status code.
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := status.Code(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", code.String()),
			zap.Duration("duration", time.Since(start)),
		}
		if code == codes.Internal || code == codes.Unknown {
			logger.Error("grpc request", append(fields, zap.Error(err))...)
		} else {
			logger.Info("grpc request", fields...)
		}
		return resp, err
	}
}

// OrderServiceClient calls catalog.v1.OrderService using the JSON codec.
type OrderServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewOrderServiceClient(cc grpc.ClientConnInterface) *OrderServiceClient {
	return &OrderServiceClient{cc: cc}
}

func (c *OrderServiceClient) CreateOrder(ctx context.Context, in *CreateOrderMessage, opts ...grpc.CallOption) (*OrderMessage, error) {
	out := new(OrderMessage)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, createOrderFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *OrderServiceClient) GetOrder(ctx context.Context, in *GetOrderMessage, opts ...grpc.CallOption) (*OrderMessage, error) {
	out := new(OrderMessage)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(jsonCodecName)}, opts...)
	if err := c.cc.Invoke(ctx, getOrderFullMethod, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
