package redisstore

const keyPrefix = "usersearch:"

func jobKey(id string) string {
	return keyPrefix + "job:" + id
}

// submitterJobsKey is a sorted set of job ids scored by creation time.
func submitterJobsKey(submitterID string) string {
	return keyPrefix + "submitter:" + submitterID + ":jobs"
}

// activeKey holds the id of the submitter's single non-terminal job.
func activeKey(submitterID string) string {
	return keyPrefix + "submitter:" + submitterID + ":active"
}

// unenqueuedKey is a sorted set of job ids, scored by creation time, whose
// work item has not been accepted by the queue yet.
const unenqueuedKey = keyPrefix + "jobs:unenqueued"
