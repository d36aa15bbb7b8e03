package container

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	maxLabelLength = 63
	suffixLength   = 8

	LabelManagedBy = "app.kubernetes.io/managed-by"
	LabelGame      = "ctf.game"
	LabelOwner     = "ctf.owner"
	LabelChallenge = "ctf.challenge"
	LabelInstance  = "ctf.instance"

	managedByValue = "ctf-arena"
)

// WorkloadName turns an image reference into an RFC 1123 label with a random
// suffix, e.g. "registry.io/team/web-chal:v2" becomes "web-chal-1a2b3c4d".
func WorkloadName(image string) string {
	base := image
	if i := strings.LastIndex(base, "@"); i >= 0 {
		base = base[:i]
	}
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.Index(base, ":"); i >= 0 {
		base = base[:i]
	}

	var sb strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(base) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			sb.WriteRune(r)
			lastDash = false
		case !lastDash:
			sb.WriteByte('-')
			lastDash = true
		}
	}

	name := strings.Trim(sb.String(), "-")
	if name == "" {
		name = "chal"
	}
	if limit := maxLabelLength - suffixLength - 1; len(name) > limit {
		name = strings.TrimRight(name[:limit], "-")
	}

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:suffixLength]
	return name + "-" + suffix
}

func workloadLabels(spec Spec, name string) map[string]string {
	return map[string]string{
		LabelManagedBy: managedByValue,
		LabelGame:      strconv.FormatInt(spec.GameID, 10),
		LabelOwner:     strconv.FormatInt(spec.OwnerID, 10),
		LabelChallenge: strconv.FormatInt(spec.ChallengeID, 10),
		LabelInstance:  name,
	}
}

// workloadFromLabels fills the owner and challenge a managed workload was created for.
// Unparseable labels leave them zero.
func workloadFromLabels(c Container, labels map[string]string) Workload {
	w := Workload{Container: c}
	w.OwnerID, _ = strconv.ParseInt(labels[LabelOwner], 10, 64)
	w.ChallengeID, _ = strconv.ParseInt(labels[LabelChallenge], 10, 64)
	if w.Name == "" {
		w.Name = labels[LabelInstance]
	}
	return w
}
