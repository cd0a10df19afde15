package httpapi

import (
	"fmt"
	"net/http"
)

const dashboardHTML = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8" />
  <meta name="viewport" content="width=device-width, initial-scale=1" />
  <title>NoteSync Review Board</title>
  <style>
    :root {
      --ink: #17212b;
      --paper: #f6f4ee;
      --card: #fffdf8;
      --line: #d9d0bd;
      --accent: #2a7f8c;
      --warn: #d07a2e;
      --danger: #bb4a41;
      --muted: #6e7a84;
    }

    * { box-sizing: border-box; }

    body {
      margin: 0;
      font-family: "Avenir Next", "Segoe UI", sans-serif;
      color: var(--ink);
      background: linear-gradient(150deg, #fbf8f0 0%, #eef5f5 55%, #fffdf8 100%);
      min-height: 100vh;
      padding: 22px;
    }

    .shell { max-width: 1080px; margin: 0 auto; display: grid; gap: 14px; }

    .bar {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 14px;
      padding: 16px;
      box-shadow: 0 12px 26px rgba(23, 33, 43, 0.1);
    }

    h1 { margin: 0; font-size: 1.4rem; }
    .sub { margin-top: 6px; color: var(--muted); font-size: 0.9rem; }

    .controls { display: grid; gap: 10px; grid-template-columns: 1fr auto; margin-top: 12px; }
    .controls input {
      width: 100%;
      border-radius: 9px;
      border: 1px solid var(--line);
      padding: 10px 12px;
      font-size: 0.92rem;
      outline: none;
    }
    .controls input:focus { border-color: var(--accent); }

    button {
      border: 0;
      border-radius: 9px;
      padding: 10px 14px;
      font-family: inherit;
      font-weight: 700;
      cursor: pointer;
      background: var(--accent);
      color: #fff;
    }

    .cards { display: grid; gap: 10px; grid-template-columns: repeat(4, 1fr); }
    .card {
      background: var(--card);
      border: 1px solid var(--line);
      border-radius: 12px;
      padding: 12px 14px;
    }
    .card .label { color: var(--muted); font-size: 0.78rem; text-transform: uppercase; letter-spacing: 0.06em; }
    .card .value { font-size: 1.5rem; font-weight: 700; margin-top: 4px; }

    table { width: 100%; border-collapse: collapse; font-size: 0.92rem; }
    th, td { text-align: left; padding: 9px 10px; border-bottom: 1px solid var(--line); }
    th { color: var(--muted); font-size: 0.78rem; text-transform: uppercase; letter-spacing: 0.05em; }
    .pill {
      display: inline-block;
      border-radius: 999px;
      padding: 2px 10px;
      font-size: 0.8rem;
      font-weight: 700;
    }
    .pill.ok { background: rgba(42, 127, 140, 0.14); color: var(--accent); }
    .pill.warn { background: rgba(208, 122, 46, 0.16); color: var(--warn); }
    .error { color: var(--danger); font-size: 0.9rem; margin-top: 8px; min-height: 1.2em; }
  </style>
</head>
<body>
  <div class="shell">
    <div class="bar">
      <h1>NoteSync Review Board</h1>
      <div class="sub">Notebook versions, active editing sessions, and pending merge conflicts.</div>
      <div class="controls">
        <input id="token" type="password" placeholder="bearer token with admin:manage scope" />
        <button id="refresh">Refresh</button>
      </div>
      <div class="error" id="error"></div>
    </div>

    <div class="cards">
      <div class="card"><div class="label">Notebooks</div><div class="value" id="stat-notebooks">-</div></div>
      <div class="card"><div class="label">Active sessions</div><div class="value" id="stat-sessions">-</div></div>
      <div class="card"><div class="label">Pending conflicts</div><div class="value" id="stat-conflicts">-</div></div>
      <div class="card"><div class="label">State backend</div><div class="value" id="stat-backend">-</div></div>
    </div>

    <div class="bar">
      <table>
        <thead>
          <tr>
            <th>Notebook</th><th>Title</th><th>Version</th><th>Members</th>
            <th>Sessions</th><th>Conflicts</th><th>Updated</th>
          </tr>
        </thead>
        <tbody id="rows"><tr><td colspan="7">No data loaded.</td></tr></tbody>
      </table>
    </div>
  </div>

  <script>
    const el = (id) => document.getElementById(id);

    async function refresh() {
      el('error').textContent = '';
      const token = el('token').value.trim();
      if (!token) { el('error').textContent = 'A bearer token is required.'; return; }
      try {
        const resp = await fetch('/v1/admin/overview', {
          headers: {
            'Authorization': 'Bearer ' + token,
            'X-Correlation-Id': 'dash_' + Date.now()
          }
        });
        if (!resp.ok) {
          const body = await resp.json().catch(() => ({}));
          throw new Error(body.message || ('request failed with status ' + resp.status));
        }
        render(await resp.json());
      } catch (err) {
        el('error').textContent = String(err.message || err);
      }
    }

    function render(data) {
      const backend = data.backend || {};
      el('stat-notebooks').textContent = backend.notebooks ?? 0;
      el('stat-sessions').textContent = backend.activeSessions ?? 0;
      el('stat-conflicts').textContent = backend.pendingConflicts ?? 0;
      el('stat-backend').textContent = backend.stateBackend || '-';

      const rows = el('rows');
      rows.innerHTML = '';
      const notebooks = data.notebooks || [];
      if (notebooks.length === 0) {
        rows.innerHTML = '<tr><td colspan="7">No notebooks.</td></tr>';
        return;
      }
      for (const nb of notebooks) {
        const tr = document.createElement('tr');
        const conflictPill = nb.pendingConflicts > 0
          ? '<span class="pill warn">' + nb.pendingConflicts + ' pending</span>'
          : '<span class="pill ok">clean</span>';
        tr.innerHTML =
          '<td>' + nb.id + '</td>' +
          '<td>' + (nb.title || '') + '</td>' +
          '<td>v' + nb.version + '</td>' +
          '<td>' + nb.members + '</td>' +
          '<td>' + nb.activeSessions + '</td>' +
          '<td>' + conflictPill + '</td>' +
          '<td>' + (nb.updatedAt || '') + '</td>';
        rows.appendChild(tr);
      }
    }

    el('refresh').addEventListener('click', refresh);
    el('token').addEventListener('keydown', (e) => { if (e.key === 'Enter') refresh(); });
  </script>
</body>
</html>
`

func (s *Server) handleDashboard(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, dashboardHTML)
}
