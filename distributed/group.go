package distributed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	serviceName     = "torchdistill.distributed.ProcessGroup"
	joinMethod      = "/" + serviceName + "/Join"
	allReduceMethod = "/" + serviceName + "/AllReduce"

	joinAttemptTimeout = 5 * time.Second

	// reduceChunkLen bounds one all-reduce message to 2 MiB of values
	reduceChunkLen = 1 << 18
	maxMessageSize = 16 << 20
)

// Group is a process group connected through a gRPC rendezvous hosted by rank 0.
// Collectives must be issued in the same order on every rank; each call is matched to its
// peers by a per-process sequence number.
type Group struct {
	rank      int
	worldSize int
	timeout   time.Duration
	logger    *zap.Logger

	mu    sync.Mutex
	round uint64

	hub    *hub
	server *grpc.Server
	conn   *grpc.ClientConn
}

// HostGroup serves the rendezvous on lis as rank 0 and waits for every other rank to join
func HostGroup(ctx context.Context, lis net.Listener, worldSize int, timeout time.Duration, logger *zap.Logger) (*Group, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := newHub(worldSize)
	server := grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	)
	server.RegisterService(&processGroupServiceDesc, h)
	go func() {
		if err := server.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Error("process group server stopped", zap.Error(err))
		}
	}()

	g := &Group{
		rank:      0,
		worldSize: worldSize,
		timeout:   timeout,
		logger:    logger,
		hub:       h,
		server:    server,
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-h.allJoined:
		logger.Info("process group formed", zap.Int("world_size", worldSize), zap.String("addr", lis.Addr().String()))
		return g, nil
	case <-waitCtx.Done():
		server.Stop()
		return nil, fmt.Errorf("%w: %d of %d ranks joined", ErrJoinTimeout, h.joinedCount()+1, worldSize)
	}
}

// DialGroup joins the group hosted at addr, retrying until the group timeout expires
func DialGroup(ctx context.Context, addr string, rank, worldSize int, timeout time.Duration, logger *zap.Logger) (*Group, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}

	req := &structpb.Struct{Fields: map[string]*structpb.Value{
		"rank":       structpb.NewNumberValue(float64(rank)),
		"world_size": structpb.NewNumberValue(float64(worldSize)),
	}}
	join := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, joinAttemptTimeout)
		defer cancel()
		err := conn.Invoke(attemptCtx, joinMethod, req, new(structpb.Struct))
		if status.Code(err) == codes.InvalidArgument {
			return backoff.Permanent(err)
		}
		if err != nil {
			logger.Debug("waiting for rendezvous", zap.String("addr", addr), zap.Error(err))
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = timeout
	if err := backoff.Retry(join, backoff.WithContext(b, ctx)); err != nil {
		_ = conn.Close()
		if status.Code(err) == codes.InvalidArgument {
			return nil, fmt.Errorf("rendezvous rejected rank %d: %w", rank, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrJoinTimeout, addr, err)
	}

	return &Group{
		rank:      rank,
		worldSize: worldSize,
		timeout:   timeout,
		logger:    logger,
		conn:      conn,
	}, nil
}

func (g *Group) Rank() int      { return g.rank }
func (g *Group) WorldSize() int { return g.worldSize }

// AllReduceSum returns the element-wise sum of values across all ranks. Long vectors
// travel in chunks of reduceChunkLen values, one round per chunk.
func (g *Group) AllReduceSum(ctx context.Context, values []float64) ([]float64, error) {
	chunks := max(1, (len(values)+reduceChunkLen-1)/reduceChunkLen)
	g.mu.Lock()
	first := g.round
	g.round += uint64(chunks)
	g.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	out := make([]float64, 0, len(values))
	for i := 0; i < chunks; i++ {
		lo := i * reduceChunkLen
		hi := min(lo+reduceChunkLen, len(values))
		round := first + uint64(i)
		part, err := g.reduceChunk(ctx, reduceRequest{round: round, rank: g.rank, total: len(values), values: values[lo:hi]})
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || status.Code(err) == codes.DeadlineExceeded {
				return nil, fmt.Errorf("%w: round %d: %v", ErrCollectiveTimeout, round, err)
			}
			return nil, fmt.Errorf("all-reduce round %d failed: %w", round, err)
		}
		out = append(out, part...)
	}
	return out, nil
}

func (g *Group) reduceChunk(ctx context.Context, req reduceRequest) ([]float64, error) {
	if g.hub != nil {
		return g.hub.reduce(ctx, req)
	}
	resp := new(wrapperspb.BytesValue)
	if err := g.conn.Invoke(ctx, allReduceMethod, encodeReduce(req), resp); err != nil {
		return nil, err
	}
	got, err := decodeReduce(resp)
	if err != nil {
		return nil, err
	}
	return got.values, nil
}

// Barrier blocks until every rank reaches it
func (g *Group) Barrier(ctx context.Context) error {
	_, err := g.AllReduceSum(ctx, nil)
	return err
}

// Close releases the connection, or stops serving once in-flight collectives finish
func (g *Group) Close() error {
	if g.server != nil {
		g.server.GracefulStop()
	}
	if g.conn != nil {
		return g.conn.Close()
	}
	return nil
}

// hub matches collective calls from every rank and computes their sums
type hub struct {
	worldSize int

	mu        sync.Mutex
	joined    map[int]bool
	allJoined chan struct{}
	rounds    map[uint64]*reduceRound
}

type reduceRound struct {
	sum     []float64
	total   int
	ranks   map[int]bool
	readers int
	err     error
	closed  bool
	done    chan struct{}
}

// finish releases every rank waiting on the round
func (r *reduceRound) finish() {
	if !r.closed {
		r.closed = true
		close(r.done)
	}
}

// fail ends the round with err for every rank, including those yet to arrive
func (r *reduceRound) fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.finish()
}

func newHub(worldSize int) *hub {
	h := &hub{
		worldSize: worldSize,
		joined:    make(map[int]bool),
		allJoined: make(chan struct{}),
		rounds:    make(map[uint64]*reduceRound),
	}
	if worldSize <= 1 {
		close(h.allJoined)
	}
	return h
}

func (h *hub) joinedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.joined)
}

func (h *hub) pendingRounds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rounds)
}

func (h *hub) Join(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	rank := int(req.GetFields()["rank"].GetNumberValue())
	worldSize := int(req.GetFields()["world_size"].GetNumberValue())
	if worldSize != h.worldSize {
		return nil, status.Errorf(codes.InvalidArgument, "world size %d does not match group size %d", worldSize, h.worldSize)
	}
	if rank <= 0 || rank >= h.worldSize {
		return nil, status.Errorf(codes.InvalidArgument, "rank %d out of range", rank)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.joined[rank] {
		h.joined[rank] = true
		if len(h.joined) == h.worldSize-1 {
			close(h.allJoined)
		}
	}
	return &structpb.Struct{}, nil
}

func (h *hub) AllReduce(ctx context.Context, msg *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	req, err := decodeReduce(msg)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	out, err := h.reduce(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return encodeReduce(reduceRequest{round: req.round, rank: 0, total: req.total, values: out}), nil
}

// reduce adds this rank's contribution to the round and waits for the rest. A rank that
// gives up fails the round for everyone, so peers do not wait out their own timeouts.
func (h *hub) reduce(ctx context.Context, req reduceRequest) ([]float64, error) {
	id, rank := req.round, req.rank
	h.mu.Lock()
	r, ok := h.rounds[id]
	if !ok {
		r = &reduceRound{
			sum:   make([]float64, len(req.values)),
			total: req.total,
			ranks: make(map[int]bool),
			done:  make(chan struct{}),
		}
		h.rounds[id] = r
	}
	switch {
	case r.ranks[rank]:
		h.mu.Unlock()
		return nil, fmt.Errorf("rank %d contributed twice to round %d", rank, id)
	case r.err != nil:
	case req.total != r.total || len(req.values) != len(r.sum):
		r.fail(fmt.Errorf("round %d: rank %d sent %d of %d values, expected %d of %d",
			id, rank, len(req.values), req.total, len(r.sum), r.total))
	default:
		for i, v := range req.values {
			r.sum[i] += v
		}
	}
	r.ranks[rank] = true
	if len(r.ranks) == h.worldSize {
		r.finish()
	}
	h.mu.Unlock()

	select {
	case <-r.done:
	case <-ctx.Done():
		h.mu.Lock()
		defer h.mu.Unlock()
		if !r.closed {
			r.fail(fmt.Errorf("round %d abandoned by rank %d: %v", id, rank, ctx.Err()))
		}
		h.release(id, r)
		return nil, ctx.Err()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.release(id, r)
	if r.err != nil {
		return nil, r.err
	}
	return slices.Clone(r.sum), nil
}

// release drops the round once every rank has left it. Callers hold h.mu.
func (h *hub) release(id uint64, r *reduceRound) {
	r.readers++
	if r.readers == h.worldSize {
		delete(h.rounds, id)
	}
}

// reduceRequest is one chunk of an all-reduce: the round it belongs to, the sender, the
// length of the whole vector and this chunk's values
type reduceRequest struct {
	round  uint64
	rank   int
	total  int
	values []float64
}

const (
	fieldRound  protowire.Number = 1
	fieldRank   protowire.Number = 2
	fieldTotal  protowire.Number = 3
	fieldValues protowire.Number = 4
)

// encodeReduce packs req as a protobuf message with the values as packed doubles
func encodeReduce(req reduceRequest) *wrapperspb.BytesValue {
	b := make([]byte, 0, 32+8*len(req.values))
	b = protowire.AppendTag(b, fieldRound, protowire.VarintType)
	b = protowire.AppendVarint(b, req.round)
	b = protowire.AppendTag(b, fieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.rank))
	b = protowire.AppendTag(b, fieldTotal, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(req.total))
	b = protowire.AppendTag(b, fieldValues, protowire.BytesType)
	b = protowire.AppendVarint(b, uint64(8*len(req.values)))
	for _, v := range req.values {
		b = protowire.AppendFixed64(b, math.Float64bits(v))
	}
	return wrapperspb.Bytes(b)
}

func decodeReduce(msg *wrapperspb.BytesValue) (reduceRequest, error) {
	var req reduceRequest
	b := msg.GetValue()
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return req, fmt.Errorf("malformed reduce message: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldValues && typ == protowire.BytesType:
			packed, m := protowire.ConsumeBytes(b)
			if m < 0 {
				return req, fmt.Errorf("malformed reduce values: %w", protowire.ParseError(m))
			}
			if len(packed)%8 != 0 {
				return req, fmt.Errorf("malformed reduce values: %d bytes", len(packed))
			}
			req.values = make([]float64, 0, len(packed)/8)
			for len(packed) > 0 {
				bits, k := protowire.ConsumeFixed64(packed)
				req.values = append(req.values, math.Float64frombits(bits))
				packed = packed[k:]
			}
			b = b[m:]
		case typ == protowire.VarintType:
			v, m := protowire.ConsumeVarint(b)
			if m < 0 {
				return req, fmt.Errorf("malformed reduce message: %w", protowire.ParseError(m))
			}
			switch num {
			case fieldRound:
				req.round = v
			case fieldRank:
				req.rank = int(v)
			case fieldTotal:
				req.total = int(v)
			}
			b = b[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, b)
			if m < 0 {
				return req, fmt.Errorf("malformed reduce message: %w", protowire.ParseError(m))
			}
			b = b[m:]
		}
	}
	if req.values == nil {
		req.values = []float64{}
	}
	return req, nil
}

type processGroupServer interface {
	Join(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AllReduce(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var processGroupServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*processGroupServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "AllReduce", Handler: allReduceHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "torchdistill/distributed/process_group.proto",
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(processGroupServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: joinMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(processGroupServer).Join(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func allReduceHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(processGroupServer).AllReduce(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: allReduceMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(processGroupServer).AllReduce(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}
