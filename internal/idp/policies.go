package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/samber/lo"

	"github.com/ItsAzM8/himmelblau/internal/identity"
)

// The management service caps checkMemberGroups at 20 group ids per call.
const memberGroupsChunkSize = 20

const linuxPolicyFilter = "(platforms eq 'linux') and (technologies has 'linuxMdm')"

// policyRef is the wire shape of a policy list entry.
type policyRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type policyList struct {
	Value []policyRef `json:"value"`
}

type policyAssignment struct {
	Target assignmentTarget `json:"target"`
}

type assignmentTarget struct {
	Type    string `json:"@odata.type"`
	GroupID string `json:"groupId"`
}

type assignmentList struct {
	Value []policyAssignment `json:"value"`
}

type settingList struct {
	Value []settingEntry `json:"value"`
}

type settingEntry struct {
	SettingInstance settingInstance `json:"settingInstance"`
}

// settingInstance is the recursive settings-catalog value shape: exactly
// one of the value branches is populated per instance.
type settingInstance struct {
	DefinitionID                string              `json:"settingDefinitionId"`
	SimpleSettingValue          *simpleSettingValue `json:"simpleSettingValue"`
	ChoiceSettingValue          *choiceSettingValue `json:"choiceSettingValue"`
	GroupSettingCollectionValue []groupSettingValue `json:"groupSettingCollectionValue"`
}

type simpleSettingValue struct {
	Value any `json:"value"`
}

type choiceSettingValue struct {
	Value    string            `json:"value"`
	Children []settingInstance `json:"children"`
}

type groupSettingValue struct {
	Children []settingInstance `json:"children"`
}

type memberGroupsRequest struct {
	GroupIDs []string `json:"groupIds"`
}

type memberGroupsResponse struct {
	Value []string `json:"value"`
}

// ListAssignedPolicies fetches the device-management policies assigned to
// the principal: settings-catalog configuration policies and compliance
// policies targeting this platform, with assignment group membership
// resolved against the directory and settings flattened into key/value
// pairs.
func (c *Client) ListAssignedPolicies(ctx context.Context, accessToken string, p identity.Principal) ([]identity.Policy, error) {
	var assigned []identity.Policy
	for _, kind := range []string{"configurationPolicies", "compliancePolicies"} {
		base := fmt.Sprintf("%s/beta/deviceManagement/%s", c.directoryURL, kind)
		listEndpoint := fmt.Sprintf("%s?$select=name,id&$filter=%s", base, url.QueryEscape(linuxPolicyFilter))

		var list policyList
		if err := c.directoryRequest(ctx, http.MethodGet, listEndpoint, accessToken, nil, &list); err != nil {
			return nil, fmt.Errorf("listing %s: %w", kind, err)
		}

		for _, ref := range list.Value {
			ok, err := c.policyAssigned(ctx, accessToken, base, ref.ID, p.ObjectID)
			if err != nil {
				return nil, fmt.Errorf("checking assignment of %s: %w", ref.ID, err)
			}
			if !ok {
				continue
			}
			// settings are loaded only for policies known to apply
			settings, err := c.policySettings(ctx, accessToken, base, ref.ID)
			if err != nil {
				return nil, fmt.Errorf("loading settings of %s: %w", ref.ID, err)
			}
			assigned = append(assigned, identity.Policy{ID: ref.ID, Name: ref.Name, Settings: settings})
		}
	}
	return assigned, nil
}

// policyAssigned resolves a policy's assignment targets against the
// principal: exclusion targets win, then all-users/all-devices targets,
// then include-group membership.
func (c *Client) policyAssigned(ctx context.Context, accessToken, base, policyID, objectID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/%s/assignments", base, url.PathEscape(policyID))
	var assignments assignmentList
	if err := c.directoryRequest(ctx, http.MethodGet, endpoint, accessToken, nil, &assignments); err != nil {
		return false, err
	}

	var includes, excludes []string
	allTargets := false
	for _, a := range assignments.Value {
		switch {
		case strings.HasSuffix(a.Target.Type, "exclusionGroupAssignmentTarget"):
			excludes = append(excludes, a.Target.GroupID)
		case strings.HasSuffix(a.Target.Type, "groupAssignmentTarget"):
			includes = append(includes, a.Target.GroupID)
		case strings.HasSuffix(a.Target.Type, "allLicensedUsersAssignmentTarget"),
			strings.HasSuffix(a.Target.Type, "allDevicesAssignmentTarget"):
			allTargets = true
		}
	}

	if len(excludes) > 0 {
		excluded, err := c.memberOfAny(ctx, accessToken, objectID, excludes)
		if err != nil {
			return false, err
		}
		if excluded {
			return false, nil
		}
	}
	if allTargets {
		return true, nil
	}
	if len(includes) == 0 {
		return false, nil
	}
	return c.memberOfAny(ctx, accessToken, objectID, includes)
}

// memberOfAny reports whether the directory object is a member of any of
// the given groups, chunked to the service's per-call limit.
func (c *Client) memberOfAny(ctx context.Context, accessToken, objectID string, groupIDs []string) (bool, error) {
	endpoint := fmt.Sprintf("%s/v1.0/directoryObjects/%s/checkMemberGroups", c.directoryURL, url.PathEscape(objectID))
	for _, chunk := range lo.Chunk(groupIDs, memberGroupsChunkSize) {
		payload, err := json.Marshal(memberGroupsRequest{GroupIDs: chunk})
		if err != nil {
			return false, fmt.Errorf("encoding group check: %w", err)
		}
		var matches memberGroupsResponse
		if err := c.directoryRequest(ctx, http.MethodPost, endpoint, accessToken, bytes.NewReader(payload), &matches); err != nil {
			return false, err
		}
		if len(matches.Value) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (c *Client) policySettings(ctx context.Context, accessToken, base, policyID string) ([]identity.PolicySetting, error) {
	endpoint := fmt.Sprintf("%s/%s/settings?$expand=settingDefinitions&top=1000", base, url.PathEscape(policyID))
	var list settingList
	if err := c.directoryRequest(ctx, http.MethodGet, endpoint, accessToken, nil, &list); err != nil {
		return nil, err
	}

	var settings []identity.PolicySetting
	for _, entry := range list.Value {
		settings = append(settings, flattenSetting(entry.SettingInstance)...)
	}
	return settings, nil
}

// flattenSetting projects one settings-catalog instance (and its nested
// children) into flat key/value settings.
func flattenSetting(instance settingInstance) []identity.PolicySetting {
	switch {
	case instance.SimpleSettingValue != nil:
		return []identity.PolicySetting{{
			Key:     instance.DefinitionID,
			Value:   instance.SimpleSettingValue.Value,
			Enabled: true,
		}}
	case instance.ChoiceSettingValue != nil:
		setting := choiceSetting(instance.DefinitionID, instance.ChoiceSettingValue.Value)
		settings := []identity.PolicySetting{setting}
		for _, child := range instance.ChoiceSettingValue.Children {
			settings = append(settings, flattenSetting(child)...)
		}
		return settings
	case len(instance.GroupSettingCollectionValue) > 0:
		var settings []identity.PolicySetting
		for _, group := range instance.GroupSettingCollectionValue {
			for _, child := range group.Children {
				settings = append(settings, flattenSetting(child)...)
			}
		}
		return settings
	default:
		return nil
	}
}

// choiceSetting decodes a choice value, which arrives as the definition id
// with the selected option appended ("<definition-id>_false").
func choiceSetting(definitionID, raw string) identity.PolicySetting {
	value := strings.TrimPrefix(raw, definitionID+"_")
	return identity.PolicySetting{
		Key:     definitionID,
		Value:   parseSettingValue(value),
		Enabled: value != "false" && value != "disabled",
	}
}

// parseSettingValue types a textual setting value: integers and booleans
// keep their natural type, everything else stays a string.
func parseSettingValue(value string) any {
	if n, err := strconv.ParseInt(value, 10, 64); err == nil {
		return n
	}
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	return value
}
