package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/openfroyo/provisioner/pkg/engine"
)

type forwardAction struct {
	Type          string `json:"Type"`
	ForwardConfig struct {
		TargetGroups []targetWeight `json:"TargetGroups"`
	} `json:"ForwardConfig"`
}

type targetWeight struct {
	TargetGroupArn string `json:"TargetGroupArn"`
	Weight         int    `json:"Weight"`
}

// awsFunc runs one aws CLI call. A non-zero exit is returned as an error.
type awsFunc func(args ...string) (CmdResult, error)

// runBlueGreen moves traffic between two ECS services through the ALB
// listener and the weighted DNS records, whichever are configured. APPLY
// cuts over to the new service and DESTROY moves traffic back to the old
// one. A failed APPLY is undone on the engine by CLICutover.
func (r *Runner) runBlueGreen(ctx context.Context, j *job) error {
	bg := j.req.BlueGreen
	if bg == nil || bg.Cluster == "" || bg.OldService == "" || bg.NewService == "" {
		return failure(CodeInvalidRequest, "blue/green settings are required")
	}

	env := map[string]string{"AWS_PAGER": ""}
	for k, v := range j.env {
		env[k] = v
	}
	aws := func(args ...string) (CmdResult, error) {
		return r.execTool(ctx, j, Cmd{Name: r.cfg.Tools.AWS, Args: append(args, "--output", "json"), Env: environ(env)})
	}

	switch j.req.Command {
	case engine.CommandPlan:
		_, err := aws("ecs", "describe-services", "--cluster", bg.Cluster, "--services", bg.OldService, bg.NewService)
		return err

	case engine.CommandApply:
		if _, err := aws("ecs", "wait", "services-stable", "--cluster", bg.Cluster, "--services", bg.NewService); err != nil {
			return err
		}
		if err := shiftListener(aws, bg, 100, 0); err != nil {
			return err
		}
		if err := updateWeightedRecords(aws, bg, 100, 0); err != nil {
			return err
		}
		if bg.DownsizeOldService {
			if bg.OldServiceAutoscaler != nil {
				if err := registerScalableTarget(aws, bg.Cluster, bg.OldService, 0, 0); err != nil {
					return err
				}
			}
			if _, err := aws("ecs", "update-service", "--cluster", bg.Cluster, "--service", bg.OldService, "--desired-count", "0"); err != nil {
				return err
			}
		}
		j.result.Outputs = map[string]string{"active_service": bg.NewService}
		return nil

	case engine.CommandDestroy:
		if bg.DownsizeOldService {
			if _, err := aws("ecs", "update-service", "--cluster", bg.Cluster, "--service", bg.OldService,
				"--desired-count", strconv.Itoa(bg.OldServiceDesired)); err != nil {
				return err
			}
			if as := bg.OldServiceAutoscaler; as != nil {
				if err := registerScalableTarget(aws, bg.Cluster, bg.OldService, as.MinCapacity, as.MaxCapacity); err != nil {
					return err
				}
			}
			if _, err := aws("ecs", "wait", "services-stable", "--cluster", bg.Cluster, "--services", bg.OldService); err != nil {
				return err
			}
		}
		if err := shiftListener(aws, bg, 0, 100); err != nil {
			return err
		}
		if err := updateWeightedRecords(aws, bg, 0, 100); err != nil {
			return err
		}
		j.result.Outputs = map[string]string{"active_service": bg.OldService}
		return nil
	}
	return failure(CodeInvalidRequest, "unsupported command %s", j.req.Command)
}

func listenerConfigured(bg *engine.BlueGreenSpec) bool {
	return bg.ListenerARN != "" && bg.NewTargetGroupARN != "" && bg.OldTargetGroupARN != ""
}

// shiftListener weights the listener's forward action between the new and
// old target groups. It is a no-op when the cutover is not ALB based.
func shiftListener(aws awsFunc, bg *engine.BlueGreenSpec, newWeight, oldWeight int) error {
	if !listenerConfigured(bg) {
		return nil
	}
	action := forwardAction{Type: "forward"}
	action.ForwardConfig.TargetGroups = []targetWeight{
		{TargetGroupArn: bg.NewTargetGroupARN, Weight: newWeight},
		{TargetGroupArn: bg.OldTargetGroupARN, Weight: oldWeight},
	}
	data, err := json.Marshal([]forwardAction{action})
	if err != nil {
		return fmt.Errorf("failed to encode listener action: %w", err)
	}
	_, err = aws("elbv2", "modify-listener", "--listener-arn", bg.ListenerARN, "--default-actions", string(data))
	return err
}

func registerScalableTarget(aws awsFunc, cluster, service string, minCapacity, maxCapacity int) error {
	_, err := aws("application-autoscaling", "register-scalable-target",
		"--service-namespace", "ecs",
		"--scalable-dimension", "ecs:service:DesiredCount",
		"--resource-id", "service/"+cluster+"/"+service,
		"--min-capacity", strconv.Itoa(minCapacity),
		"--max-capacity", strconv.Itoa(maxCapacity))
	return err
}
