package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// DefaultGeneratorTimeout bounds one run of the contract script.
const DefaultGeneratorTimeout = 30 * time.Second

// ScriptGenerator derives contract addresses by running the external
// contract script:
//
//	node <script> contract <arbiterPk> <sellerPk> <buyerPk> <serviceFee> <arbitrationFee>
//
// The script prints {"success":bool,"contract_address":string} as its last
// line of output.
type ScriptGenerator struct {
	runtime string
	script  string
	timeout time.Duration
	logger  *slog.Logger
}

// NewScriptGenerator creates a generator running script with node.
func NewScriptGenerator(script string) *ScriptGenerator {
	return &ScriptGenerator{
		runtime: "node",
		script:  script,
		timeout: DefaultGeneratorTimeout,
		logger:  slog.Default(),
	}
}

// WithRuntime overrides the interpreter used to run the script.
func (g *ScriptGenerator) WithRuntime(runtime string) *ScriptGenerator {
	g.runtime = runtime
	return g
}

// WithTimeout sets the per-run timeout.
func (g *ScriptGenerator) WithTimeout(d time.Duration) *ScriptGenerator {
	g.timeout = d
	return g
}

// WithLogger sets the generator logger.
func (g *ScriptGenerator) WithLogger(logger *slog.Logger) *ScriptGenerator {
	g.logger = logger
	return g
}

func (g *ScriptGenerator) Generate(ctx context.Context, p GenerateParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	// #nosec G204 -- runtime and script come from configuration; arguments are keys and integers
	cmd := exec.CommandContext(ctx, g.runtime, g.script, "contract",
		p.ArbiterPubKey, p.SellerPubKey, p.BuyerPubKey,
		strconv.FormatInt(p.ServiceFee, 10), strconv.FormatInt(p.ArbitrationFee, 10))

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %v: %s", ErrGeneratorFailed, err, strings.TrimSpace(stderr.String()))
	}
	g.logger.Debug("contract script finished", "duration", time.Since(start))

	return parseGeneratorOutput(stdout.Bytes())
}

type generatorOutput struct {
	Success         bool   `json:"success"`
	ContractAddress string `json:"contract_address"`
	Error           string `json:"error,omitempty"`
}

func parseGeneratorOutput(out []byte) (string, error) {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return "", fmt.Errorf("%w: empty output", ErrGeneratorFailed)
	}

	var res generatorOutput
	if err := json.Unmarshal([]byte(last), &res); err != nil {
		return "", fmt.Errorf("%w: decode output: %v", ErrGeneratorFailed, err)
	}
	if !res.Success {
		if res.Error != "" {
			return "", fmt.Errorf("%w: %s", ErrGeneratorFailed, res.Error)
		}
		return "", fmt.Errorf("%w: script reported failure", ErrGeneratorFailed)
	}
	if res.ContractAddress == "" {
		return "", fmt.Errorf("%w: no contract address", ErrGeneratorFailed)
	}
	return res.ContractAddress, nil
}

var _ Generator = (*ScriptGenerator)(nil)
