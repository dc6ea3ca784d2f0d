package grpcclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/example/snoutid/internal/embedding"
	"github.com/example/snoutid/internal/logging"
)

// EmbedMethod is the fully qualified RPC served by the inference service.
// The request is the raw image as google.protobuf.BytesValue; the reply is
// a google.protobuf.Struct with an "embedding" number list and an optional
// "error" string.
const EmbedMethod = "/snoutid.inference.v1.Embedder/Embed"

// Invoker is the subset of *grpc.ClientConn the model needs.
type Invoker interface {
	Invoke(ctx context.Context, method string, args, reply any, opts ...grpc.CallOption) error
}

// DialEmbedder returns a ready-to-use remote model for the inference service.
func DialEmbedder(ctx context.Context, addr string, logger *zap.Logger) (*RemoteModel, *grpc.ClientConn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(
		dialCtx,
		addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(32<<20)),
		grpc.WithBlock(),
	)
	if err != nil {
		wrapped := logging.NewOperationError("grpcclient.dial_embedder", "", err)
		logger.Error("failed to dial embedder", zap.Error(wrapped), zap.String("addr", addr))
		return nil, nil, wrapped
	}
	return NewRemoteModel(conn, conn, logger), conn, nil
}

// RemoteModel implements embedding.Model over gRPC.
type RemoteModel struct {
	invoker Invoker
	conn    *grpc.ClientConn
	logger  *zap.Logger
}

// NewRemoteModel wraps an invoker. conn may be nil when the caller owns
// the connection lifecycle.
func NewRemoteModel(invoker Invoker, conn *grpc.ClientConn, logger *zap.Logger) *RemoteModel {
	return &RemoteModel{invoker: invoker, conn: conn, logger: logger.Named("grpc_embedder")}
}

// Infer implements embedding.Model.
func (m *RemoteModel) Infer(ctx context.Context, in embedding.Input) ([]float32, error) {
	reply := &structpb.Struct{}
	if err := m.invoker.Invoke(ctx, EmbedMethod, wrapperspb.Bytes(in.Raw), reply); err != nil {
		wrapped := logging.NewOperationError("grpcclient.embed", "", err)
		m.logger.Error("embedder call failed", zap.Error(wrapped))
		if status.Code(err) == codes.InvalidArgument {
			return nil, &embedding.Failure{Kind: embedding.FailureDecode, Reasons: []string{status.Convert(err).Message()}, Err: wrapped}
		}
		return nil, wrapped
	}
	return decodeReply(reply)
}

// Close implements embedding.Model.
func (m *RemoteModel) Close() error {
	if m.conn == nil {
		return nil
	}
	return m.conn.Close()
}

func decodeReply(reply *structpb.Struct) ([]float32, error) {
	fields := reply.GetFields()
	if msg := fields["error"].GetStringValue(); msg != "" {
		return nil, &embedding.Failure{Kind: embedding.FailureInference, Reasons: []string{msg}}
	}
	list := fields["embedding"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("embedder reply has no embedding")
	}
	values := list.GetValues()
	out := make([]float32, len(values))
	for i, v := range values {
		num, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, fmt.Errorf("embedder reply: element %d is not a number", i)
		}
		out[i] = float32(num.NumberValue)
	}
	return out, nil
}
