// Interactive end-to-end drill for mid-flight cancellation. It submits a
// request, approves the drafted plan, waits for a task to start running, then
// cancels it and prints every state transition observed along the way.
//
// Run chorusd and a mock agent first; give the agent a long step delay so
// the cancel lands while the task is still running:
//
//	mock-agent -scenario success -step-delay 10s
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	v1 "github.com/chorushq/chorus/pkg/api/v1"
)

var (
	apiURL  = flag.String("api", "http://localhost:8080", "orchestrator base URL")
	text    = flag.String("text", "restart the media stack on host pi-04", "request text to submit")
	scope   = flag.String("scope", "task", "what to cancel: task or request")
	yes     = flag.Bool("yes", false, "approve the plan without prompting")
	timeout = flag.Duration("timeout", 2*time.Minute, "overall drill timeout")
)

func main() {
	flag.Parse()
	deadline := time.Now().Add(*timeout)

	fmt.Println("=== Cancellation drill ===")
	fmt.Printf("orchestrator: %s\n\n", *apiURL)

	// 1. Submit
	var submitted v1.SubmitResponse
	post("/api/v1/requests", v1.SubmitRequest{Text: *text, Requester: "cancel-drill"}, &submitted)
	fmt.Printf("[1] submitted request %s\n", submitted.RequestID)

	// 2. Wait for the plan
	req := pollRequest(submitted.RequestID, deadline, v1.RequestStatePendingApproval)
	planID := req.PlanIDs[0]
	var plan v1.Plan
	get("/api/v1/plans/"+planID, &plan)
	fmt.Printf("[2] plan %s drafted: %q, risk %s, %d task(s)\n",
		planID, plan.Summary, plan.RiskLevel, len(plan.Tasks))
	for _, task := range plan.Tasks {
		fmt.Printf("      #%d %s %s\n", task.Ordinal, task.WorkType, task.ID)
	}

	// 3. Approve
	if !*yes {
		fmt.Print("\napprove this plan? [y/N] ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(line)), "y") {
			fmt.Println("aborted")
			return
		}
	}
	var approved v1.ApprovePlanResponse
	post("/api/v1/plans/"+planID+"/approve", v1.ApprovePlanRequest{Approver: "cancel-drill"}, &approved)
	fmt.Printf("[3] approved, dispatch_started=%v\n", approved.DispatchStarted)

	// 4. Wait for a running task
	taskID := plan.Tasks[0].ID
	waitForTask(planID, taskID, deadline, v1.TaskStatusRunning)
	fmt.Printf("[4] task %s is running\n", taskID)

	// 5. Cancel
	switch *scope {
	case "task":
		post("/api/v1/tasks/"+taskID+"/cancel", v1.CancelTaskRequest{Reason: "cancel drill"}, nil)
		fmt.Printf("[5] cancelled task %s\n", taskID)
	case "request":
		post("/api/v1/requests/"+submitted.RequestID+"/cancel", nil, nil)
		fmt.Printf("[5] cancelled request %s\n", submitted.RequestID)
	default:
		fail("unknown -scope %q, want task or request", *scope)
	}

	// 6. Observe the terminal state
	waitForTask(planID, taskID, deadline, v1.TaskStatusCancelled)
	final := fetchRequest(submitted.RequestID)
	fmt.Printf("[6] task %s is cancelled, request state %s\n", taskID, final.State)
	if final.Failure != nil {
		fmt.Printf("      failure: %s\n", final.Failure.Message)
	}

	fmt.Println("\n=== Drill complete ===")
}

func pollRequest(id string, deadline time.Time, want v1.RequestState) *v1.Request {
	last := v1.RequestState("")
	for time.Now().Before(deadline) {
		req := fetchRequest(id)
		if req.State != last {
			fmt.Printf("      request -> %s\n", req.State)
			last = req.State
		}
		if req.State == want {
			return req
		}
		if req.State.Terminal() {
			fail("request reached terminal state %s while waiting for %s", req.State, want)
		}
		time.Sleep(250 * time.Millisecond)
	}
	fail("timed out waiting for request %s to reach %s", id, want)
	return nil
}

func fetchRequest(id string) *v1.Request {
	var req v1.Request
	get("/api/v1/requests/"+id, &req)
	return &req
}

func waitForTask(planID, taskID string, deadline time.Time, want v1.TaskStatus) {
	last := v1.TaskStatus("")
	for time.Now().Before(deadline) {
		var plan v1.Plan
		get("/api/v1/plans/"+planID, &plan)
		for _, task := range plan.Tasks {
			if task.ID != taskID {
				continue
			}
			if task.Status != last {
				fmt.Printf("      task -> %s\n", task.Status)
				last = task.Status
			}
			if task.Status == want {
				return
			}
			if task.Status.Terminal() && task.Status != want {
				fail("task reached terminal state %s while waiting for %s", task.Status, want)
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	fail("timed out waiting for task %s to reach %s", taskID, want)
}

func get(path string, out interface{}) {
	resp, err := http.Get(*apiURL + path)
	if err != nil {
		fail("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fail("GET %s returned %d: %s", path, resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		fail("GET %s: bad response %s: %v", path, body, err)
	}
}

func post(path string, in, out interface{}) {
	var buf bytes.Buffer
	if in != nil {
		if err := json.NewEncoder(&buf).Encode(in); err != nil {
			fail("POST %s: encode: %v", path, err)
		}
	}
	resp, err := http.Post(*apiURL+path, "application/json", &buf)
	if err != nil {
		fail("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		fail("POST %s returned %d: %s", path, resp.StatusCode, body)
	}
	if out != nil {
		if err := json.Unmarshal(body, out); err != nil {
			fail("POST %s: bad response %s: %v", path, body, err)
		}
	}
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\nFAIL: "+format+"\n", args...)
	os.Exit(1)
}
