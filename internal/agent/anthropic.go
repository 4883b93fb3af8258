package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/tripsmith-ai/tripsmith/internal/cache"
	"github.com/tripsmith-ai/tripsmith/pkg/models"
)

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// Cost returns the USD cost of a call at this pricing.
func (p ModelPricing) Cost(tokensIn, tokensOut int64) float64 {
	return float64(tokensIn)/1_000_000*p.InputPerMillion +
		float64(tokensOut)/1_000_000*p.OutputPerMillion
}

// DefaultModelPricing contains pricing for known Claude models.
var DefaultModelPricing = map[anthropic.Model]ModelPricing{
	anthropic.ModelClaudeSonnet4_20250514:   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	anthropic.ModelClaude3_5Haiku20241022:   {InputPerMillion: 0.80, OutputPerMillion: 4.00},
	anthropic.ModelClaudeOpus4_1_20250805:   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	anthropic.ModelClaude3_7Sonnet20250219:  {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	anthropic.ModelClaudeSonnet4_5_20250929: {InputPerMillion: 3.00, OutputPerMillion: 15.00},
}

// LLMConfig configures the Anthropic-backed planner capability.
type LLMConfig struct {
	// Model is the Claude model to use.
	Model anthropic.Model
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// MaxTokens bounds the response length. Zero means 2048.
	MaxTokens int64
	// UseAWSBedrock selects AWS Bedrock instead of the direct API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
}

// NewAnthropicClient creates an Anthropic client for the direct API or Bedrock.
func NewAnthropicClient(cfg LLMConfig) (anthropic.Client, anthropic.Model, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return anthropic.Client{}, "", fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := cfg.Model
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	if cfg.UseAWSBedrock {
		model = translateModelForBedrock(model)
	}

	return anthropic.NewClient(opts...), model, nil
}

// translateModelForBedrock converts standard model names to Bedrock
// cross-region inference profile format: us.anthropic.{model}-v1:0.
func translateModelForBedrock(model anthropic.Model) anthropic.Model {
	bedrockModels := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaude3_7Sonnet20250219:  "us.anthropic.claude-3-7-sonnet-20250219-v1:0",
		anthropic.ModelClaude3_5Haiku20241022:   "us.anthropic.claude-3-5-haiku-20241022-v1:0",
	}
	if bedrockModel, ok := bedrockModels[model]; ok {
		return anthropic.Model(bedrockModel)
	}
	return model
}

// LLMCapability is a planning agent backed by a Claude model. The model is
// asked for a single JSON object; the response must parse or the call fails
// permanently, since resending the same prompt would reproduce the same shape.
type LLMCapability struct {
	agentType models.AgentType
	ttl       cache.TTLClass
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	pricing   ModelPricing
}

// NewLLMCapability creates an LLM-backed capability for one agent type.
func NewLLMCapability(agentType models.AgentType, ttl cache.TTLClass, cfg LLMConfig) (*LLMCapability, error) {
	client, model, err := NewAnthropicClient(cfg)
	if err != nil {
		return nil, err
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}
	pricing, ok := DefaultModelPricing[cfg.Model]
	if !ok {
		pricing = ModelPricing{InputPerMillion: 3.00, OutputPerMillion: 15.00}
	}

	return &LLMCapability{
		agentType: agentType,
		ttl:       ttl,
		client:    client,
		model:     model,
		maxTokens: maxTokens,
		pricing:   pricing,
	}, nil
}

func (c *LLMCapability) Type() models.AgentType   { return c.agentType }
func (c *LLMCapability) TTLClass() cache.TTLClass { return c.ttl }

// RegisterLLM registers a Claude-backed planner for every agent type, with the
// same TTL classes as the builtins.
func RegisterLLM(r *Registry, cfg LLMConfig) error {
	classes := map[models.AgentType]cache.TTLClass{
		models.AgentLocation:      cache.TTLReference,
		models.AgentWeather:       cache.TTLVolatile,
		models.AgentAccommodation: cache.TTLStandard,
		models.AgentActivity:      cache.TTLStandard,
		models.AgentTransport:     cache.TTLStandard,
		models.AgentBudget:        cache.TTLStandard,
	}
	for _, agentType := range models.AllAgentTypes {
		c, err := NewLLMCapability(agentType, classes[agentType], cfg)
		if err != nil {
			return err
		}
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Plan sends the planning prompt and parses the JSON response.
func (c *LLMCapability) Plan(ctx context.Context, input map[string]any) (*Result, error) {
	prompt, err := c.buildPrompt(input)
	if err != nil {
		return nil, Permanent(err)
	}

	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: c.systemPrompt()},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, classifyAPIError(err)
	}

	var text string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += variant.Text
		}
	}

	output, err := parseJSONObject(text)
	if err != nil {
		return nil, Permanent(fmt.Errorf("model returned unparseable output: %w", err))
	}

	return &Result{
		Output:    output,
		TokensIn:  resp.Usage.InputTokens,
		TokensOut: resp.Usage.OutputTokens,
		CostUSD:   c.pricing.Cost(resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}, nil
}

func (c *LLMCapability) systemPrompt() string {
	return fmt.Sprintf(
		"You are the %s planner in a travel itinerary engine. "+
			"Respond with a single JSON object and nothing else.", c.agentType)
}

func (c *LLMCapability) buildPrompt(input map[string]any) (string, error) {
	data, err := json.MarshalIndent(input, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode planning input: %w", err)
	}
	return fmt.Sprintf("Plan the %s portion of this trip:\n%s", c.agentType, string(data)), nil
}

// classifyAPIError maps provider errors onto the retry taxonomy.
func classifyAPIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota"):
		return Quota(err)
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		return Permanent(err)
	default:
		return Transient(err)
	}
}

// parseJSONObject extracts the first JSON object from model output, tolerating
// code fences and surrounding prose.
func parseJSONObject(text string) (map[string]any, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in output")
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(text[start:end+1]), &output); err != nil {
		return nil, err
	}
	return output, nil
}
