package observability

const (
	AttrServiceName    = "service.name"
	AttrServiceVersion = "service.version"
	AttrToolName       = "tool.name"
	AttrToolFunction   = "tool.function"
	AttrToolServer     = "tool.server"
	AttrToolArguments  = "tool.arguments"
	AttrToolStatus     = "tool.status"
	AttrLLMProvider    = "llm.provider"
	AttrLLMModel       = "llm.model"
	AttrLLMStream      = "llm.stream"
	AttrLLMResponse    = "llm.response"
	AttrErrorType      = "error.type"

	AttrHTTPMethod       = "http.method"
	AttrHTTPRoute        = "http.route"
	AttrHTTPStatusCode   = "http.status_code"
	AttrHTTPResponseSize = "http.response_size"

	SpanConversationTurn = "bridge.conversation_turn"
	SpanLLMRequest       = "bridge.llm_request"
	SpanToolExecution    = "bridge.tool_execution"
	SpanHTTPRequest      = "http.request"

	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"

	DefaultServiceName  = "toolbridge"
	DefaultSamplingRate = 1.0
	DefaultOTLPEndpoint = "localhost:4317"
	DefaultMetricsPath  = "/metrics"

	// InstrumentationName is the tracer and meter name used by the bridge.
	InstrumentationName = "github.com/kadirpekel/toolbridge"
)
