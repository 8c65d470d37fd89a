package engine

import "strings"

const (
	launchTypeFargate  = "FARGATE"
	networkModeAWSVPC  = "awsvpc"
	msgVPCRequired     = "VPC Id is required for fargate task"
	msgSubnetRequired  = "At least 1 subnetId is required for mentioned VPC"
	msgSGRequired      = "At least 1 security Group is required for mentioned VPC"
	msgExecRoleMissing = "Execution Role ARN is required for Fargate tasks"
)

// ValidateLaunch checks the network preconditions for tasks that run in a
// VPC. It returns the concatenated messages, or "" when launch can proceed.
func ValidateLaunch(network *NetworkConfig) string {
	if network == nil {
		return ""
	}
	fargate := strings.EqualFold(network.LaunchType, launchTypeFargate)
	if !fargate && !strings.EqualFold(network.NetworkMode, networkModeAWSVPC) {
		return ""
	}

	var msg strings.Builder
	if strings.TrimSpace(network.VPCID) == "" {
		msg.WriteString(msgVPCRequired)
	}
	if !hasNonBlank(network.SubnetIDs) {
		msg.WriteString(msgSubnetRequired)
	}
	if !hasNonBlank(network.SecurityGroupIDs) {
		msg.WriteString(msgSGRequired)
	}
	if fargate && strings.TrimSpace(network.ExecutionRoleARN) == "" {
		msg.WriteString(msgExecRoleMissing)
	}
	return msg.String()
}

func hasNonBlank(values []string) bool {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return true
		}
	}
	return false
}
