// Script to submit a composite job to a running compositor and follow it to completion
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

type job struct {
	ID         string `json:"job_id"`
	Provider   string `json:"provider"`
	Status     string `json:"status"`
	Message    string `json:"message"`
	Progress   int    `json:"progress"`
	OutputFile string `json:"output_file"`
}

func main() {
	server := flag.String("server", "http://localhost:8000", "compositor base URL")
	provider := flag.String("provider", "planetary", "gee_sentinel, gee_landsat, copernicus or planetary")
	bbox := flag.String("bbox", "12.40,41.80,12.60,41.95", "west,south,east,north")
	start := flag.String("start", time.Now().AddDate(0, -1, 0).Format("2006-01-02"), "start date")
	end := flag.String("end", time.Now().Format("2006-01-02"), "end date")
	maxCloud := flag.Int("max-cloud", 30, "maximum scene cloud cover")
	interval := flag.Duration("interval", 5*time.Second, "status poll interval")
	flag.Parse()

	client := &http.Client{Timeout: 30 * time.Second}

	aoi, err := bboxAOI(client, *server, *bbox)
	if err != nil {
		fail("AOI: %v", err)
	}

	body, _ := json.Marshal(map[string]any{
		"provider":    *provider,
		"aoi_geojson": aoi,
		"start_date":  *start,
		"end_date":    *end,
		"max_cloud":   *maxCloud,
	})

	var j job
	if err := call(client, http.MethodPost, *server+"/api/process", body, &j); err != nil {
		fail("submit: %v", err)
	}
	fmt.Printf("Submitted job %s (%s)\n", j.ID, j.Provider)

	last := ""
	for {
		if err := call(client, http.MethodGet, *server+"/api/jobs/"+j.ID, nil, &j); err != nil {
			fail("status: %v", err)
		}
		line := fmt.Sprintf("[%3d%%] %-9s %s", j.Progress, j.Status, j.Message)
		if line != last {
			fmt.Println(line)
			last = line
		}

		switch j.Status {
		case "completed":
			fmt.Printf("\nDownload: %s/api/download/%s\n", *server, j.OutputFile)
			return
		case "failed":
			os.Exit(1)
		}
		time.Sleep(*interval)
	}
}

func bboxAOI(client *http.Client, server, bbox string) (json.RawMessage, error) {
	parts := strings.Split(bbox, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("bbox needs 4 comma-separated values, got %q", bbox)
	}
	keys := []string{"west", "south", "east", "north"}
	req := make(map[string]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("bbox %s: %w", keys[i], err)
		}
		req[keys[i]] = v
	}

	body, _ := json.Marshal(req)
	var resp struct {
		GeoJSON json.RawMessage `json:"geojson"`
	}
	if err := call(client, http.MethodPost, server+"/api/aoi/bbox", body, &resp); err != nil {
		return nil, err
	}
	return resp.GeoJSON, nil
}

func call(client *http.Client, method, url string, body []byte, out any) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s returned status %d: %s", method, url, resp.StatusCode, data)
	}
	return json.Unmarshal(data, out)
}

func fail(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
