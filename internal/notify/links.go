package notify

import "strings"

// ShortSHALength is the number of commit hash characters shown in messages.
const ShortSHALength = 7

// ProjectLink links a project named after its host path, e.g. github.com/acme/app.
func ProjectLink(name string) Link {
	return Link{URL: "https://" + name, Label: name}
}

// BuildLink links a build on the dashboard. Without a dashboard URL the
// build ID is rendered as plain text.
func BuildLink(dashboard, buildID string) Link {
	if dashboard == "" {
		return Link{Label: buildID}
	}
	return Link{URL: strings.TrimRight(dashboard, "/") + "/#!/build/" + buildID, Label: buildID}
}

func CommitLink(projectName, sha string) Link {
	return Link{URL: "https://" + projectName + "/commit/" + sha, Label: ShortSHA(sha)}
}

func ImageLink(image string) Link {
	return Link{URL: "https://" + image, Label: image}
}

func ShortSHA(sha string) string {
	if len(sha) <= ShortSHALength {
		return sha
	}
	return sha[:ShortSHALength]
}
