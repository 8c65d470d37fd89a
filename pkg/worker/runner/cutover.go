package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/provisioner/pkg/engine"
)

// CLICutover switches blue/green routing and capacity with the aws CLI.
// It implements engine.TrafficRouter and engine.ServiceScaler so the engine
// can compensate a failed cutover without a worker round trip.
type CLICutover struct {
	exec   Executor
	binary string
	env    []string
	logger zerolog.Logger
}

var (
	_ engine.TrafficRouter = (*CLICutover)(nil)
	_ engine.ServiceScaler = (*CLICutover)(nil)
)

// NewCLICutover creates a cutover driver running binary through exec. A
// nil exec runs local processes and an empty binary means "aws".
func NewCLICutover(exec Executor, binary string, logger zerolog.Logger) *CLICutover {
	if exec == nil {
		exec = OSExecutor{}
	}
	if binary == "" {
		binary = "aws"
	}
	return &CLICutover{
		exec:   exec,
		binary: binary,
		env:    environ(map[string]string{"AWS_PAGER": ""}),
		logger: logger.With().Str("component", "cutover").Logger(),
	}
}

func (c *CLICutover) aws(ctx context.Context) awsFunc {
	return func(args ...string) (CmdResult, error) {
		cmd := Cmd{Name: c.binary, Args: append(args, "--output", "json"), Env: c.env}
		c.logger.Debug().Str("cmd", cmd.String()).Msg("running aws")
		res, err := c.exec.Run(ctx, cmd, nil)
		if err != nil {
			return res, err
		}
		if res.ExitCode != 0 {
			return res, fmt.Errorf("aws %s %s: %s", args[0], args[1], toolError(res))
		}
		return res, nil
	}
}

// UpdateRecord sets the new and old service weights on the listener and on
// the weighted DNS record pair, whichever spec configures.
func (c *CLICutover) UpdateRecord(ctx context.Context, spec engine.BlueGreenSpec, newWeight, oldWeight int) error {
	dns := spec.HostedZoneID != "" && spec.RecordName != ""
	if !dns && !listenerConfigured(&spec) {
		return errors.New("no listener or weighted record configured")
	}
	aws := c.aws(ctx)

	var errs []error
	if err := shiftListener(aws, &spec, newWeight, oldWeight); err != nil {
		errs = append(errs, fmt.Errorf("failed to shift listener: %w", err))
	}
	if dns {
		if err := updateWeightedRecords(aws, &spec, newWeight, oldWeight); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Scale sets a service's desired count.
func (c *CLICutover) Scale(ctx context.Context, cluster, service string, desired int) error {
	_, err := c.aws(ctx)("ecs", "update-service", "--cluster", cluster, "--service", service,
		"--desired-count", strconv.Itoa(desired))
	return err
}

// RestoreAutoscaling re-registers a service's scalable target range.
func (c *CLICutover) RestoreAutoscaling(ctx context.Context, cluster, service string, spec engine.AutoscalingSpec) error {
	return registerScalableTarget(c.aws(ctx), cluster, service, spec.MinCapacity, spec.MaxCapacity)
}

// updateWeightedRecords rewrites the weights of the record sets whose set
// identifiers are the new and old service names. Every other attribute of
// the record sets is sent back unchanged. It is a no-op when spec names no
// weighted record.
func updateWeightedRecords(aws awsFunc, spec *engine.BlueGreenSpec, newWeight, oldWeight int) error {
	if spec.HostedZoneID == "" || spec.RecordName == "" {
		return nil
	}
	res, err := aws("route53", "list-resource-record-sets",
		"--hosted-zone-id", spec.HostedZoneID,
		"--start-record-name", spec.RecordName)
	if err != nil {
		return err
	}
	var listing struct {
		ResourceRecordSets []map[string]any `json:"ResourceRecordSets"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &listing); err != nil {
		return fmt.Errorf("failed to parse record sets for %s: %w", spec.RecordName, err)
	}

	weights := map[string]int{spec.NewService: newWeight, spec.OldService: oldWeight}
	type change struct {
		Action            string         `json:"Action"`
		ResourceRecordSet map[string]any `json:"ResourceRecordSet"`
	}
	var changes []change
	for _, rs := range listing.ResourceRecordSets {
		name, _ := rs["Name"].(string)
		if !sameRecordName(name, spec.RecordName) {
			continue
		}
		id, _ := rs["SetIdentifier"].(string)
		weight, ok := weights[id]
		if !ok {
			continue
		}
		rs["Weight"] = weight
		changes = append(changes, change{Action: "UPSERT", ResourceRecordSet: rs})
		delete(weights, id)
	}
	if len(weights) > 0 {
		missing := make([]string, 0, len(weights))
		for _, svc := range []string{spec.NewService, spec.OldService} {
			if _, ok := weights[svc]; ok {
				missing = append(missing, svc)
			}
		}
		return fmt.Errorf("no weighted record %s with set identifier %s", spec.RecordName, strings.Join(missing, ", "))
	}

	batch, err := json.Marshal(map[string]any{
		"Comment": "blue/green weight update",
		"Changes": changes,
	})
	if err != nil {
		return fmt.Errorf("failed to encode change batch: %w", err)
	}
	if _, err := aws("route53", "change-resource-record-sets",
		"--hosted-zone-id", spec.HostedZoneID,
		"--change-batch", string(batch)); err != nil {
		return fmt.Errorf("failed to update %s: %w", spec.RecordName, err)
	}
	return nil
}

// sameRecordName compares DNS names the way Route 53 lists them: case
// insensitive with an optional trailing dot.
func sameRecordName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}
