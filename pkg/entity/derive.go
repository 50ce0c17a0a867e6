package entity

import "sort"

// applicationRunner is implemented by attributes that reference an application.
type applicationRunner interface {
	Application() string
}

// Applications derives one application entity per distinct application id
// found among the given entities, sorted by application id.
func Applications(entities []Entity, s Scope) []Entity {
	seen := make(map[string]struct{})
	for _, e := range entities {
		runner, ok := e.Attrs.(applicationRunner)
		if !ok {
			continue
		}
		if app := runner.Application(); app != "" {
			seen[app] = struct{}{}
		}
	}

	apps := make([]string, 0, len(seen))
	for app := range seen {
		apps = append(apps, app)
	}
	sort.Strings(apps)

	out := make([]Entity, 0, len(apps))
	for _, app := range apps {
		out = append(out, New(s, ApplicationEntityID(app, s), ApplicationAttrs{ApplicationID: app}))
	}
	return out
}

// AccountMarker builds the per-scope account marker entity.
func AccountMarker(s Scope, alias string) Entity {
	return New(s, AccountMarkerID(s), AccountAttrs{AccountAlias: alias})
}

// Limits the agent cannot read from an API.
const (
	DefaultEC2MaxInstances = 20
	DefaultELBMaxCount     = 20
)

// Limits builds the account limits entity from service quotas and the
// discovered instances and load balancers.
func Limits(s Scope, quotas LimitsAttrs, discovered []Entity) Entity {
	attrs := make(LimitsAttrs, len(quotas)+8)
	for k, v := range quotas {
		attrs[k] = v
	}
	if _, ok := attrs["ec2-max-instances"]; !ok {
		attrs["ec2-max-instances"] = DefaultEC2MaxInstances
	}
	attrs["ec2-max-spot-instances"] = attrs["ec2-max-instances"]
	attrs["elb-max-count"] = DefaultELBMaxCount

	var used, spot, elbs int
	for _, e := range discovered {
		switch a := e.Attrs.(type) {
		case InstanceAttrs:
			if a.SpotInstance {
				spot++
			} else {
				used++
			}
		case LoadBalancerAttrs:
			elbs++
		}
	}
	attrs["ec2-used-instances"] = used
	attrs["ec2-used-spot-instances"] = spot
	attrs["elb-used-count"] = elbs

	return New(s, LimitsID(s), attrs)
}
