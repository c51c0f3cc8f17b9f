package agent

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// GeneratorServer is the server side of GenerateMethod.
type GeneratorServer interface {
	Generate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

func generateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GeneratorServer).Generate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: GenerateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GeneratorServer).Generate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

var generatorServiceDesc = grpc.ServiceDesc{
	ServiceName: "gemchat.agent.v1.Generator",
	HandlerType: (*GeneratorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Generate", Handler: generateHandler},
	},
	Metadata: "gemchat/agent/v1/generator.proto",
}

// RegisterGeneratorServer registers srv on s.
func RegisterGeneratorServer(s grpc.ServiceRegistrar, srv GeneratorServer) {
	s.RegisterService(&generatorServiceDesc, srv)
}

// GeneratorAdapter serves any Generator over gRPC. Generation failures are
// returned in the "error" field so callers can show them.
type GeneratorAdapter struct {
	Gen Generator
}

// Generate implements GeneratorServer.
func (a GeneratorAdapter) Generate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	prompt := req.GetFields()["prompt"].GetStringValue()
	text, err := a.Gen.Generate(ctx, prompt)
	if err != nil {
		return structpb.NewStruct(map[string]any{"error": err.Error()})
	}
	return structpb.NewStruct(map[string]any{"text": text})
}
